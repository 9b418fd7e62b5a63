// Package identity resolves AT Protocol DIDs to handles, with a
// bounded cache and previous-handle lookup via the PLC audit log.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Config holds the handle resolver's tunables.
type Config struct {
	// PLCDirectoryURL is the base URL for did:plc resolution.
	PLCDirectoryURL string

	// CacheSize bounds the DID → handle LRU.
	CacheSize int

	// HTTPTimeout bounds each outbound directory/well-known request.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the resolver's documented defaults.
func DefaultConfig() Config {
	return Config{
		PLCDirectoryURL: "https://plc.directory",
		CacheSize:       10_000,
		HTTPTimeout:     10 * time.Second,
	}
}

// Resolver resolves DIDs to handles. Implementations must tolerate a
// did of either did:plc: or did:web: form.
type Resolver interface {
	// Resolve returns the DID's current handle, or "" if none is set.
	Resolve(ctx context.Context, did string) (string, error)

	// ResolvePrevious returns the handle recorded in the did:plc audit
	// log entry immediately preceding the current one, or "" if the
	// DID has fewer than two log entries or is not a did:plc.
	ResolvePrevious(ctx context.Context, did string) (string, error)

	// ResolveMany resolves a batch of DIDs, preserving input order.
	// A per-DID failure yields an empty handle for that DID rather
	// than aborting the batch.
	ResolveMany(ctx context.Context, dids []string) ([]ResolvedHandle, error)

	// Purge removes a DID from the cache.
	Purge(did string)
}

// ResolvedHandle pairs a DID with its resolved handle (possibly empty).
type ResolvedHandle struct {
	DID    string
	Handle string
}

// resolver is the only Resolver implementation. It fronts PLC
// directory and did:web well-known lookups with a bounded cache that
// also remembers negative results.
type resolver struct {
	plc       *plcDirectory
	wellKnown *wellKnownResolver
	cache     *handleCache
}

// NewResolver builds a Resolver from cfg, defaulting unset fields.
func NewResolver(cfg Config) Resolver {
	if cfg.PLCDirectoryURL == "" {
		cfg.PLCDirectoryURL = "https://plc.directory"
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	return &resolver{
		plc:       newPLCDirectory(cfg.PLCDirectoryURL, httpClient),
		wellKnown: newWellKnownResolver(httpClient),
		cache:     newHandleCache(cfg.CacheSize),
	}
}

func (r *resolver) Resolve(ctx context.Context, did string) (string, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return "", &ErrInvalidIdentifier{Identifier: did, Reason: err.Error()}
	}
	did = parsed.String()

	if cached, ok := r.cache.get(did); ok {
		return cached.Handle, nil
	}

	doc, err := r.fetchDocument(ctx, did)
	if err != nil {
		if isNotFound(err) {
			r.cache.set(did, handleResult{Found: false})
			return "", nil
		}
		return "", err
	}

	handle := handleFromAliases(doc.AlsoKnownAs)
	r.cache.set(did, handleResult{Handle: handle, Found: handle != ""})
	return handle, nil
}

func (r *resolver) ResolvePrevious(ctx context.Context, did string) (string, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return "", &ErrInvalidIdentifier{Identifier: did, Reason: err.Error()}
	}
	did = parsed.String()

	if !strings.HasPrefix(did, "did:plc:") {
		return "", nil
	}

	entries, err := r.plc.auditLog(ctx, did)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if len(entries) < 2 {
		return "", nil
	}
	return handleFromAliases(entries[1].AlsoKnownAs), nil
}

func (r *resolver) ResolveMany(ctx context.Context, dids []string) ([]ResolvedHandle, error) {
	out := make([]ResolvedHandle, len(dids))
	for i, did := range dids {
		handle, err := r.Resolve(ctx, did)
		if err != nil {
			handle = ""
		}
		out[i] = ResolvedHandle{DID: did, Handle: handle}
	}
	return out, nil
}

func (r *resolver) Purge(did string) {
	r.cache.purge(did)
}

func (r *resolver) fetchDocument(ctx context.Context, did string) (*didDocument, error) {
	if strings.HasPrefix(did, "did:web:") {
		return r.wellKnown.document(ctx, did)
	}
	return r.plc.document(ctx, did)
}

func isNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
