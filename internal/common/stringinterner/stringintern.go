package stringinterner

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// StringInterner deduplicates strings with equal value but different backing arrays.
// Status updates repeat the same agent ids and hostnames thousands of times, so the scheduler interns them
// as they are decoded.
//
// StringInterner is backed by an LRU so that only the most recently interned strings are kept.
// It is safe for concurrent use.
type StringInterner struct {
	lru *lru.Cache
}

// New return a new *StringInterner backed by a LRU of the given size.
func New(cacheSize uint32) *StringInterner {
	cache, err := lru.New(int(cacheSize))
	if err != nil {
		panic(errors.WithStack(err).Error())
	}
	return &StringInterner{lru: cache}
}

// Intern ensures the string is cached and returns the cached string
func (interner *StringInterner) Intern(s string) string {
	if s == "" {
		return s
	}
	if existing, ok, _ := interner.lru.PeekOrAdd(s, s); ok {
		return existing.(string)
	}
	return s
}

// Len returns the number of strings currently held.
func (interner *StringInterner) Len() int {
	return interner.lru.Len()
}
