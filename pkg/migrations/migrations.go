// Package migrations defines the migrations loader contract used by the
// repair path: an ordered set of idempotent SQL scripts that bring a tenant
// database up to its minimal operational shape.
package migrations

import "context"

// Script is one named, idempotent SQL migration step.
type Script struct {
	Name string
	SQL  string
}

// Loader produces an ordered list of migration scripts. Collaborators may
// supply their own Loader (e.g. backed by a different storage layout); the
// core ships FSLoader as the default.
type Loader interface {
	Load(ctx context.Context) ([]Script, error)
}
