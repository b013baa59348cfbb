package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tokenrelay-gateway/internal/metrics"
	"tokenrelay-gateway/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner   Store
	backend string
}

// NewLoggingStore returns a store that logs every call and counts hits.
func NewLoggingStore(inner Store, backend string) Store {
	return &LoggingStore{inner: inner, backend: backend}
}

func (s *LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := s.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
		metrics.StoreHitsTotal.Inc()
	}

	fields := s.fields(key, start, zap.String("store_result", result)) // hit | miss | error
	logger := logging.L(ctx)
	if err != nil {
		logger.Error("store_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("store_get", fields...)
	}
	return value, ok, err
}

func (s *LoggingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.Set(ctx, key, value, ttl)

	fields := s.fields(key, start, zap.Int("bytes", len(value)), zap.Duration("ttl", ttl))
	logger := logging.L(ctx)
	if err != nil {
		logger.Error("store_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("store_set", fields...)
	}
	return err
}

func (s *LoggingStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)

	fields := s.fields(key, start)
	if err != nil {
		logging.L(ctx).Error("store_delete", append(fields, zap.Error(err))...)
	}
	return err
}

func (s *LoggingStore) fields(key string, start time.Time, extra ...zap.Field) []zap.Field {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	return append([]zap.Field{
		zap.String("store_backend", s.backend),
		zap.String("store_key", key),
		zap.Float64("latency_ms", latencyMs),
	}, extra...)
}
