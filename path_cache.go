package crdtree

import lru "github.com/hashicorp/golang-lru"

// PathCache caches path lookups against rendered versions of a document.
// Keys include the document and its version, so entries never go stale;
// they are only evicted.
type PathCache interface {
	// Add records the entry found for a key.
	Add(key, value interface{})
	// Contains indicates the key has been looked up before.
	Contains(key interface{}) bool
	// Get retrieves the entry found for a key, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewPathCache creates a new ARC-based path cache of the given size.
func NewPathCache(size int) PathCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}

type pathKey struct {
	doc     *Document
	version uint64
	path    string
}

type pathResult struct {
	entry *Entry
	found bool
}
