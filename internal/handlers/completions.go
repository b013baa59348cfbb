package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/internal/fanout"
	"tokenrelay-gateway/internal/fingerprint"
	"tokenrelay-gateway/internal/metrics"
	"tokenrelay-gateway/internal/pacing"
	"tokenrelay-gateway/internal/sse"
	"tokenrelay-gateway/pkg/logging/logging"
	"tokenrelay-gateway/pkg/types"
)

// Runner fills a freshly created entry from the backend.
type Runner interface {
	Run(ctx context.Context, entry *cache.Entry, shape types.Shape, body []byte)
}

type CompletionsConfig struct {
	Format sse.Format
	// WaitBound limits how long a coalesced caller follows an entry it did
	// not create. Zero disables the bound.
	WaitBound time.Duration
	// Progressive is false when the backend answers in one shot; answers are
	// then always paced.
	Progressive bool
	Clock       clockwork.Clock
}

// CompletionsHandler serves /v{1,2,3}/chat/completions and /v{1,2,3}/completions.
type CompletionsHandler struct {
	extractor *fingerprint.Extractor
	cache     *cache.Coalescing
	runner    Runner
	pacer     pacing.Pacer
	cfg       CompletionsConfig

	readers sync.WaitGroup
}

func NewCompletionsHandler(
	extractor *fingerprint.Extractor,
	c *cache.Coalescing,
	runner Runner,
	pacer pacing.Pacer,
	cfg CompletionsConfig,
) *CompletionsHandler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Format == "" {
		cfg.Format = sse.FormatLegacy
	}
	if pacer == nil {
		pacer = pacing.Immediate{}
	}
	return &CompletionsHandler{
		extractor: extractor,
		cache:     c,
		runner:    runner,
		pacer:     pacer,
		cfg:       cfg,
	}
}

func (h *CompletionsHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.ShapeChat)
}

func (h *CompletionsHandler) Completion(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.ShapeCompletion)
}

// Drain waits for in-flight upstream readers or until ctx is done.
func (h *CompletionsHandler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delivery is the state of one response.
type delivery struct {
	w         http.ResponseWriter
	r         *http.Request
	logger    *zap.Logger
	fp        fingerprint.Fingerprint
	sub       *fanout.Subscriber
	entry     *cache.Entry
	coalesced bool
	started   time.Time
	out       *streamWriter
	tokens    int
}

func (h *CompletionsHandler) serve(w http.ResponseWriter, r *http.Request, shape types.Shape) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := h.cfg.Clock.Now()

	version, err := types.ParseVersion(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
			return
		}
		logger.Warn("read_body_failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	fp, err := h.extractor.Extract(body, shape, version)
	if err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}

	logger = logger.With(
		zap.String("fingerprint", fp.Digest()),
		zap.String("version", version.String()),
		zap.String("shape", string(shape)),
		zap.String("model", fp.Model),
	)
	ctx = logging.WithLogger(ctx, logger)

	entry, isNew := h.cache.GetOrCreate(fp.Key())
	if isNew {
		h.readers.Add(1)
		go func() {
			defer h.readers.Done()
			h.runner.Run(context.WithoutCancel(ctx), entry, shape, body)
		}()
	}

	logger.Info("cache_decision",
		zap.Bool("coalesced", !isNew),
		zap.Int("buffered_batches", entry.Len()),
		zap.Bool("entry_complete", entry.Done()),
	)

	opts := []fanout.Option{fanout.WithClock(h.cfg.Clock)}
	if !isNew {
		opts = append(opts, fanout.WithDeadline(h.cfg.WaitBound))
	}
	sub := fanout.Subscribe(entry, opts...)
	defer sub.Close()

	d := &delivery{
		w:         w,
		r:         r.WithContext(ctx),
		logger:    logger,
		fp:        fp,
		sub:       sub,
		entry:     entry,
		coalesced: !isNew,
		started:   start,
	}

	switch version {
	case types.VersionStream:
		d.out = newStreamWriter(w, "text/event-stream")
		h.deliverStream(d)
	case types.VersionBatch:
		h.deliverBatch(d)
	case types.VersionRaw:
		d.out = newStreamWriter(w, "text/event-stream")
		h.deliverRaw(d)
	}

	period := h.cfg.Clock.Since(start)
	logger.Info("response_delivered",
		zap.Bool("coalesced", d.coalesced),
		zap.Int("tokens", d.tokens),
		zap.Duration("period", period),
		zap.Float64("tps", float64(d.tokens)/max(period.Seconds(), 1e-9)),
	)
}

// deliverStream writes transcoded event-stream frames. An answer that is
// already complete when the caller attaches goes through the pacer; anything
// else is forwarded as it arrives.
func (h *CompletionsHandler) deliverStream(d *delivery) {
	ctx := d.r.Context()
	tr := sse.NewTranscoder(d.fp.Shape, h.cfg.Format, d.fp.Model, sse.WithClock(h.cfg.Clock))

	if !h.cfg.Progressive || d.entry.Done() {
		events, err := d.collect(ctx)
		if err != nil {
			h.endEarly(d, err)
			return
		}
		frames, err := tr.Transcode(events)
		if err != nil {
			h.endEarly(d, err)
			return
		}
		if err := h.pacer.Deliver(ctx, d.out, frames, d.started); err != nil {
			d.logger.Debug("paced_delivery_aborted", zap.Error(err))
		}
		return
	}

	for {
		batches, err := d.sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			frames, err := tr.Finish()
			if err != nil {
				h.endEarly(d, err)
				return
			}
			_ = d.out.WriteFrames(frames)
			return
		}
		if err != nil {
			h.endEarly(d, err)
			return
		}

		var frames [][]byte
		for _, batch := range batches {
			d.tokens += len(batch)
			encoded, err := tr.Encode(batch)
			if err != nil {
				h.endEarly(d, err)
				return
			}
			frames = append(frames, encoded...)
		}
		if len(frames) == 0 {
			continue
		}
		if err := d.out.WriteFrames(frames); err != nil {
			d.logger.Debug("client_write_failed", zap.Error(err))
			return
		}
	}
}

// deliverBatch waits for the sentinel and responds with every token as one
// JSON array.
func (h *CompletionsHandler) deliverBatch(d *delivery) {
	events, err := d.collect(d.r.Context())
	if err != nil {
		h.endEarly(d, err)
		return
	}
	writeJSON(d.w, http.StatusOK, events)
}

// deliverRaw forwards each buffered batch as the JSON array it was read as.
func (h *CompletionsHandler) deliverRaw(d *delivery) {
	ctx := d.r.Context()
	for {
		batches, err := d.sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			d.out.start()
			return
		}
		if err != nil {
			h.endEarly(d, err)
			return
		}

		frames := make([][]byte, 0, len(batches))
		for _, batch := range batches {
			d.tokens += len(batch)
			raw, err := json.Marshal(batch)
			if err != nil {
				h.endEarly(d, err)
				return
			}
			frames = append(frames, raw)
		}
		if err := d.out.WriteFrames(frames); err != nil {
			d.logger.Debug("client_write_failed", zap.Error(err))
			return
		}
	}
}

// collect reads the whole answer.
func (d *delivery) collect(ctx context.Context) ([]types.TokenEvent, error) {
	events := []types.TokenEvent{}
	for {
		batches, err := d.sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		for _, batch := range batches {
			events = append(events, batch...)
		}
		d.tokens = len(events)
	}
}

// endEarly finishes a response that could not reach the sentinel.
func (h *CompletionsHandler) endEarly(d *delivery, err error) {
	written := d.out != nil && d.out.started

	switch {
	case errors.Is(err, types.ErrStreamTimeout):
		metrics.SubscriberTimeoutsTotal.Inc()
		d.logger.Warn("subscriber_timeout",
			zap.Duration("wait_bound", h.cfg.WaitBound),
			zap.Int("offset", d.sub.Offset()),
		)
		if d.out != nil {
			d.out.start()
			return
		}
		writeError(d.w, http.StatusGatewayTimeout, "stream_timeout")

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.logger.Debug("client_gone", zap.Error(err))

	case errors.Is(err, types.ErrUpstreamUnavailable):
		d.logger.Warn("upstream_unavailable", zap.Error(err), zap.Bool("partial", written))
		if !written {
			writeError(d.w, http.StatusBadGateway, "upstream_unavailable")
		}

	default:
		d.logger.Error("delivery_failed", zap.Error(err))
		if !written {
			writeError(d.w, http.StatusInternalServerError, "internal_server_error")
		}
	}
}
