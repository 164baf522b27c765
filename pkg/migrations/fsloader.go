package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

//go:embed tenant/*.sql
var tenantFiles embed.FS

// FSLoader reads *.sql files from an embedded or on-disk filesystem and
// returns them ordered by filename. Scripts themselves are expected to be
// idempotent; the loader only guarantees ordering.
type FSLoader struct {
	fs   fsReadDirFile
	root string
}

// fsReadDirFile is the subset of fs.FS this loader needs; embed.FS and
// os.DirFS both satisfy it.
type fsReadDirFile interface {
	ReadDir(name string) ([]fsDirEntry, error)
	ReadFile(name string) ([]byte, error)
}

// fsDirEntry narrows fs.DirEntry to what FSLoader needs.
type fsDirEntry interface {
	Name() string
	IsDir() bool
}

// embedFSAdapter adapts embed.FS to fsReadDirFile (embed.FS's ReadDir/ReadFile
// already match these signatures modulo the entry type, which fs.DirEntry
// already satisfies via the fsDirEntry interface).
type embedFSAdapter struct{ fs embed.FS }

func (a embedFSAdapter) ReadDir(name string) ([]fsDirEntry, error) {
	entries, err := a.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	out := make([]fsDirEntry, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out, nil
}

func (a embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return a.fs.ReadFile(name)
}

// DefaultTenantLoader returns the FSLoader for the core's built-in tenant
// migration scripts: the four canonical tables plus the support tables the
// seeder writes into.
func DefaultTenantLoader() *FSLoader {
	return &FSLoader{fs: embedFSAdapter{tenantFiles}, root: "tenant"}
}

// osDirAdapter adapts an fs.FS (typically os.DirFS) to fsReadDirFile using
// the stdlib's fs.ReadDir/fs.ReadFile helpers, which work against any fs.FS
// regardless of whether the concrete type implements ReadDirFS/ReadFileFS
// itself.
type osDirAdapter struct{ fsys fs.FS }

func (a osDirAdapter) ReadDir(name string) ([]fsDirEntry, error) {
	entries, err := fs.ReadDir(a.fsys, name)
	if err != nil {
		return nil, err
	}
	out := make([]fsDirEntry, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out, nil
}

func (a osDirAdapter) ReadFile(name string) ([]byte, error) {
	return fs.ReadFile(a.fsys, name)
}

// NewTenantLoader returns a loader for tenant migration scripts. When dir
// names an existing directory it overrides the built-in embedded scripts,
// letting an operator ship bespoke tenant migrations without rebuilding the
// binary; otherwise it falls back to DefaultTenantLoader.
func NewTenantLoader(dir string) *FSLoader {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return &FSLoader{fs: osDirAdapter{os.DirFS(dir)}, root: "."}
		}
	}
	return DefaultTenantLoader()
}

// Load implements Loader.
func (l *FSLoader) Load(ctx context.Context) ([]Script, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := l.fs.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("listing migration scripts: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]Script, 0, len(names))
	for _, name := range names {
		raw, err := l.fs.ReadFile(l.root + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading migration script %s: %w", name, err)
		}
		scripts = append(scripts, Script{Name: name, SQL: string(raw)})
	}

	return scripts, nil
}
