package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/hurttlocker/bibauthor/internal/bibref"
)

// SignatureStore is everything the reconciler reads and writes.
type SignatureStore interface {
	// Atomic runs fn against a view whose reads and writes for doc commit
	// together or not at all.
	Atomic(ctx context.Context, doc int64, fn func(SignatureStore) error) error

	DocumentStatus(ctx context.Context, doc int64) (exists, deleted bool, err error)
	AuthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error)
	CoauthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error)
	SignaturesOfDocument(ctx context.Context, doc int64) ([]bibref.Signature, error)

	AttachSignature(ctx context.Context, ref bibref.BibRef, name string, person int64) error
	// MoveSignature re-points the signature at from to the mention to,
	// keeping its person and status.
	MoveSignature(ctx context.Context, from, to bibref.BibRef, name string) error
	DetachSignatures(ctx context.Context, refs []bibref.BibRef) error

	CreatePerson(ctx context.Context) (int64, error)
	PersonsByExactName(ctx context.Context, name string) ([]int64, error)
	PersonByExternalID(ctx context.Context, id string) (int64, bool, error)

	// RefreshPersons recomputes canonical names and external ids; nil means all persons.
	RefreshPersons(ctx context.Context, ids []int64) error
	DeleteEmptyPersons(ctx context.Context) (int, error)
}

// mentionSource is the optional single-mention lookup a store may offer.
type mentionSource interface {
	Mention(ctx context.Context, ref bibref.BibRef) (bibref.Mention, error)
}

// CachedStore memoizes extraction reads of an underlying store. Extraction
// output only changes on re-import, so entries stay valid until Clear.
type CachedStore struct {
	SignatureStore
	cache *readCache
}

type readCache struct {
	mu        sync.RWMutex
	authors   map[int64][]bibref.Mention
	coauthors map[int64][]bibref.Mention
	mentions  map[bibref.BibRef]bibref.Mention
}

func newReadCache() *readCache {
	return &readCache{
		authors:   make(map[int64][]bibref.Mention),
		coauthors: make(map[int64][]bibref.Mention),
		mentions:  make(map[bibref.BibRef]bibref.Mention),
	}
}

// NewCachedStore wraps inner.
func NewCachedStore(inner SignatureStore) *CachedStore {
	return &CachedStore{SignatureStore: inner, cache: newReadCache()}
}

// Atomic keeps the cache in front of the transactional view.
func (c *CachedStore) Atomic(ctx context.Context, doc int64, fn func(SignatureStore) error) error {
	return c.SignatureStore.Atomic(ctx, doc, func(tx SignatureStore) error {
		return fn(&CachedStore{SignatureStore: tx, cache: c.cache})
	})
}

func (c *CachedStore) AuthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error) {
	return c.cachedRefs(ctx, doc, c.cache.authors, c.SignatureStore.AuthorRefs)
}

func (c *CachedStore) CoauthorRefs(ctx context.Context, doc int64) ([]bibref.Mention, error) {
	return c.cachedRefs(ctx, doc, c.cache.coauthors, c.SignatureStore.CoauthorRefs)
}

func (c *CachedStore) cachedRefs(ctx context.Context, doc int64, m map[int64][]bibref.Mention,
	load func(context.Context, int64) ([]bibref.Mention, error)) ([]bibref.Mention, error) {
	c.cache.mu.RLock()
	refs, ok := m[doc]
	c.cache.mu.RUnlock()
	if ok {
		return refs, nil
	}

	refs, err := load(ctx, doc)
	if err != nil {
		return nil, err
	}
	c.cache.mu.Lock()
	m[doc] = refs
	for _, r := range refs {
		c.cache.mentions[r.Ref] = r
	}
	c.cache.mu.Unlock()
	return refs, nil
}

// Mention returns a single mention, served from the cache when possible.
func (c *CachedStore) Mention(ctx context.Context, ref bibref.BibRef) (bibref.Mention, error) {
	c.cache.mu.RLock()
	m, ok := c.cache.mentions[ref]
	c.cache.mu.RUnlock()
	if ok {
		return m, nil
	}

	src, ok := c.SignatureStore.(mentionSource)
	if !ok {
		return bibref.Mention{}, fmt.Errorf("store %T cannot look up single mentions", c.SignatureStore)
	}
	m, err := src.Mention(ctx, ref)
	if err != nil {
		return bibref.Mention{}, err
	}
	c.cache.mu.Lock()
	c.cache.mentions[ref] = m
	c.cache.mu.Unlock()
	return m, nil
}

// Clear drops every cached read.
func (c *CachedStore) Clear() {
	c.cache.mu.Lock()
	clear(c.cache.authors)
	clear(c.cache.coauthors)
	clear(c.cache.mentions)
	c.cache.mu.Unlock()
}
