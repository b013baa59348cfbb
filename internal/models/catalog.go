// Package models serves the backend's model listing, caching it in a Store.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/pkg/logging/logging"
)

const (
	storeKey   = "models:catalog"
	DefaultTTL = 5 * time.Minute
)

var ErrInvalidCatalog = errors.New("catalog is not valid JSON")

// Source fetches the listing from the backend.
type Source interface {
	Models(ctx context.Context) ([]byte, error)
}

// Catalog returns the stored listing when present and otherwise asks the
// backend, storing the answer for TTL.
type Catalog struct {
	store  cache.Store
	source Source
	ttl    time.Duration
}

func NewCatalog(store cache.Store, source Source, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{store: store, source: source, ttl: ttl}
}

func (c *Catalog) Get(ctx context.Context) ([]byte, error) {
	raw, ok, err := c.store.Get(ctx, storeKey)
	if err != nil {
		// A broken store must not hide the backend listing.
		logging.L(ctx).Warn("models_store_unavailable", zap.Error(err))
	} else if ok {
		return raw, nil
	}

	raw, err = c.source.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}

	if err := c.store.Set(ctx, storeKey, raw, c.ttl); err != nil {
		logging.L(ctx).Warn("models_store_write_failed", zap.Error(err))
	}
	return raw, nil
}

// Put replaces the listing with raw, which must be a JSON document.
func (c *Catalog) Put(ctx context.Context, raw []byte) error {
	if !json.Valid(raw) {
		return ErrInvalidCatalog
	}
	if err := c.store.Set(ctx, storeKey, raw, c.ttl); err != nil {
		return fmt.Errorf("store models: %w", err)
	}
	logging.L(ctx).Info("models_catalog_received", zap.Int("bytes", len(raw)))
	return nil
}
