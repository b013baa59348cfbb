package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/internal/metrics"
	"tokenrelay-gateway/pkg/types"
)

const defaultChunkSize = 32 * 1024

// Upstream is the part of Client the reader needs.
type Upstream interface {
	Stream(ctx context.Context, shape types.Shape, body []byte) (io.ReadCloser, error)
	Fetch(ctx context.Context, shape types.Shape, body []byte, dec Decoder) (types.TokenBatch, error)
}

// Evicter removes a failed entry from the coalescing cache.
type Evicter interface {
	Evict(key string, entry *cache.Entry) bool
}

type ReaderConfig struct {
	// Streaming selects incremental reads; false performs one Fetch.
	Streaming bool
	// Timeout bounds the whole upstream call including the body.
	Timeout   time.Duration
	ChunkSize int
	Decoder   Decoder
}

// StreamReader fills one cache entry from one upstream call.
type StreamReader struct {
	upstream Upstream
	evicter  Evicter
	cfg      ReaderConfig
	logger   *zap.Logger
}

func NewStreamReader(upstream Upstream, evicter Evicter, cfg ReaderConfig, logger *zap.Logger) *StreamReader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Decoder == nil {
		cfg.Decoder = RecoveringDecoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamReader{
		upstream: upstream,
		evicter:  evicter,
		cfg:      cfg,
		logger:   logger.Named("upstream_reader"),
	}
}

// Run performs the upstream call for entry and writes every decoded batch
// into it, then the sentinel. It must be called exactly once per entry, by the
// caller that created it. ctx only carries values: cancellation of the
// originating request does not stop the read.
func (r *StreamReader) Run(ctx context.Context, entry *cache.Entry, shape types.Shape, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	logger := r.logger.With(zap.String("shape", string(shape)), zap.Bool("streaming", r.cfg.Streaming))

	var (
		tokens int
		err    error
	)
	if r.cfg.Streaming {
		tokens, err = r.stream(ctx, entry, shape, body, logger)
	} else {
		tokens, err = r.fetch(ctx, entry, shape, body)
	}

	if err != nil {
		r.fail(entry, err, logger)
		return
	}

	if err := entry.Seal(); err != nil {
		logger.Error("upstream_seal_failed", zap.Error(err))
		return
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("completed").Inc()
	period := time.Since(start)
	logger.Info("upstream_stream_completed",
		zap.Int("batches", entry.Len()),
		zap.Int("tokens", tokens),
		zap.Duration("period", period),
		zap.Float64("tps", float64(tokens)/max(period.Seconds(), 1e-9)),
	)
}

func (r *StreamReader) stream(ctx context.Context, entry *cache.Entry, shape types.Shape, body []byte, logger *zap.Logger) (int, error) {
	rc, err := r.upstream.Stream(ctx, shape, body)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	buf := make([]byte, r.cfg.ChunkSize)
	tokens, first := 0, true

	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			batch, decErr := r.cfg.Decoder.Decode(buf[:n])
			if decErr != nil {
				// One bad frame must not poison the rest of the answer.
				metrics.FrameParseErrorsTotal.Inc()
				logger.Warn("upstream_frame_dropped",
					zap.Error(decErr),
					zap.String("chunk", truncate(string(buf[:n]), 200)),
				)
			} else {
				if first {
					logger.Debug("upstream_first_batch", zap.Int("tokens", len(batch)))
					first = false
				}
				if err := entry.Append(batch); err != nil {
					return tokens, err
				}
				tokens += len(batch)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return tokens, nil
		}
		if readErr != nil {
			return tokens, fmt.Errorf("%w: read stream: %w", types.ErrUpstreamUnavailable, readErr)
		}
	}
}

func (r *StreamReader) fetch(ctx context.Context, entry *cache.Entry, shape types.Shape, body []byte) (int, error) {
	batch, err := r.upstream.Fetch(ctx, shape, body, r.cfg.Decoder)
	if err != nil {
		return 0, err
	}
	if err := entry.Append(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// fail evicts the entry, then records err on it and wakes every subscriber.
// A caller retrying after the error always misses and starts a fresh fetch.
func (r *StreamReader) fail(entry *cache.Entry, err error, logger *zap.Logger) {
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
	}
	evicted := r.evicter.Evict(entry.Key(), entry)
	entry.Fail(err)

	metrics.UpstreamRequestsTotal.WithLabelValues("failed").Inc()
	logger.Error("upstream_stream_failed",
		zap.Error(err),
		zap.Int("batches", entry.Len()),
		zap.Bool("evicted", evicted),
	)
}
