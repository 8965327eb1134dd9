package services

import (
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rowforge/rowforge-engine/pkg/config"
	"github.com/rowforge/rowforge-engine/pkg/models"
)

// RecordCache holds parsed record batches keyed by file hash, so a preview
// call and the import that follows it parse the file once. Entries expire on
// their own; a miss just means the caller re-parses.
type RecordCache struct {
	lru *expirable.LRU[string, []models.RawRecord]
}

// NewRecordCache creates a record cache sized and aged per config.
func NewRecordCache(cfg *config.ImportConfig) *RecordCache {
	size := cfg.RecordCacheSize
	if size <= 0 {
		size = 64
	}
	return &RecordCache{
		lru: expirable.NewLRU[string, []models.RawRecord](size, nil, cfg.RecordCacheTTL()),
	}
}

// Get returns the cached batch for a file hash.
func (c *RecordCache) Get(fileHash string) ([]models.RawRecord, bool) {
	return c.lru.Get(fileHash)
}

// Put stores a parsed batch under its file hash.
func (c *RecordCache) Put(fileHash string, records []models.RawRecord) {
	c.lru.Add(fileHash, records)
}

// Invalidate drops a cached batch, typically after its import completes.
func (c *RecordCache) Invalidate(fileHash string) {
	c.lru.Remove(fileHash)
}
