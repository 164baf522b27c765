// Package resolver maps an incoming request to a store id purely from
// master-database state, never touching a tenant database.
package resolver

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// StoreLookup is the subset of the master registry the resolver needs. It's
// a narrow interface so the resolver can be tested against a fake registry.
type StoreLookup interface {
	FindStoreBySlug(ctx context.Context, slug string) (registry.Store, error)
	FindStoreByHostname(ctx context.Context, hostname string) (registry.Store, error)
}

// Resolver resolves requests to store ids, trying sources in order:
// header, query/cookie, primary hostname, path slug, then a configured
// default.
type Resolver struct {
	stores            StoreLookup
	defaultStoreID    uuid.UUID
	hasDefaultStoreID bool
}

// New builds a Resolver. defaultStoreID may be the zero UUID, meaning no
// fallback is configured.
func New(stores StoreLookup, defaultStoreID uuid.UUID) *Resolver {
	return &Resolver{
		stores:            stores,
		defaultStoreID:    defaultStoreID,
		hasDefaultStoreID: defaultStoreID != uuid.Nil,
	}
}

// Request is the subset of an inbound request the resolver reads. Kept
// separate from *http.Request so non-HTTP callers (e.g. a job handler acting
// on behalf of a store) can resolve without fabricating a request.
type Request struct {
	HeaderStoreID string
	QueryStoreID  string
	CookieStoreID string
	Hostname      string
	PathSlug      string
}

// FromHTTPRequest extracts a Request from an *http.Request using the
// conventional header/query/cookie names. When the caller has no explicit
// path slug (no `/stores/{slug}`-shaped route matched), the subdomain label
// of the Host header is used as the path-slug candidate instead, covering
// wildcard-subdomain routing (`acme.platform.example.com` ⇒ slug "acme")
// without requiring a store_hostnames row for every subdomain.
func FromHTTPRequest(r *http.Request, pathSlug string) Request {
	if pathSlug == "" {
		pathSlug = registry.HostnameSlug(stripPort(r.Host))
	}
	req := Request{
		HeaderStoreID: r.Header.Get("store-id"),
		QueryStoreID:  r.URL.Query().Get("store_id"),
		Hostname:      r.Host,
		PathSlug:      pathSlug,
	}
	if c, err := r.Cookie("store_id"); err == nil {
		req.CookieStoreID = c.Value
	}
	return req
}

// Resolve returns the first source that yields a valid store id, in the
// order: explicit header, query/cookie, primary hostname, path slug,
// configured default. A source that resolves to a suspended/inactive store
// still wins — routing succeeds; downstream authorization decides whether to
// serve.
func (res *Resolver) Resolve(ctx context.Context, req Request) (uuid.UUID, error) {
	if req.HeaderStoreID != "" {
		if id, err := uuid.Parse(req.HeaderStoreID); err == nil {
			return id, nil
		}
	}

	if req.QueryStoreID != "" {
		if id, err := uuid.Parse(req.QueryStoreID); err == nil {
			return id, nil
		}
	}
	if req.CookieStoreID != "" {
		if id, err := uuid.Parse(req.CookieStoreID); err == nil {
			return id, nil
		}
	}

	if req.Hostname != "" {
		store, err := res.stores.FindStoreByHostname(ctx, stripPort(req.Hostname))
		if err == nil {
			return store.ID, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
	}

	if req.PathSlug != "" {
		store, err := res.stores.FindStoreBySlug(ctx, req.PathSlug)
		if err == nil {
			return store.ID, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
	}

	if res.hasDefaultStoreID {
		return res.defaultStoreID, nil
	}

	return uuid.Nil, tenanterr.NotFound
}

func isNotFound(err error) bool {
	kind, ok := tenanterr.KindOf(err)
	return ok && kind == tenanterr.KindNotFound
}

// stripPort removes a trailing ":port" from a Host header value, if present.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
