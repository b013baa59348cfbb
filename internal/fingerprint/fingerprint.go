// Package fingerprint derives coalescing keys from inbound request bodies.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"tokenrelay-gateway/pkg/types"
)

const (
	DefaultChatPrefixLen    = 14
	DefaultCompletionMarker = "Search query: "
)

// Fingerprint identifies one logical question under one protocol version.
type Fingerprint struct {
	Version types.Version
	Shape   types.Shape
	Model   string
	Query   string
}

// Key is the coalescing cache key: v<version>:<shape>:<quoted model>:<query>.
// The model is quoted so a colon inside it cannot shift into the query.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s:%s:%q:%s", f.Version, f.Shape, f.Model, f.Query)
}

// Digest is a short stable hash of Key, safe to put in logs.
func (f Fingerprint) Digest() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(f.Key()))
}

type Options struct {
	// ChatPrefixLen is the number of leading characters dropped from the
	// second chat message before it is used as the query.
	ChatPrefixLen int
	// CompletionMarker precedes the query inside a completion prompt.
	CompletionMarker string
}

// Extractor turns request bodies into fingerprints.
type Extractor struct {
	opts Options
}

func NewExtractor(opts Options) *Extractor {
	if opts.ChatPrefixLen < 0 {
		opts.ChatPrefixLen = 0
	}
	if opts.CompletionMarker == "" {
		opts.CompletionMarker = DefaultCompletionMarker
	}
	return &Extractor{opts: opts}
}

// Extract parses body according to shape and builds its fingerprint.
// It fails with types.ErrMalformedRequest when the expected fields are absent.
func (e *Extractor) Extract(body []byte, shape types.Shape, version types.Version) (Fingerprint, error) {
	switch shape {
	case types.ShapeChat:
		var req types.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return Fingerprint{}, fmt.Errorf("%w: %v", types.ErrMalformedRequest, err)
		}
		if len(req.Messages) < 2 {
			return Fingerprint{}, fmt.Errorf("%w: expected at least 2 messages, got %d",
				types.ErrMalformedRequest, len(req.Messages))
		}
		return Fingerprint{
			Version: version,
			Shape:   shape,
			Model:   strings.TrimSpace(req.Model),
			Query:   dropRunes(req.Messages[1].Content, e.opts.ChatPrefixLen),
		}, nil

	case types.ShapeCompletion:
		var req types.CompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return Fingerprint{}, fmt.Errorf("%w: %v", types.ErrMalformedRequest, err)
		}
		idx := strings.Index(req.Prompt, e.opts.CompletionMarker)
		if idx < 0 {
			return Fingerprint{}, fmt.Errorf("%w: prompt has no %q marker",
				types.ErrMalformedRequest, e.opts.CompletionMarker)
		}
		return Fingerprint{
			Version: version,
			Shape:   shape,
			Model:   strings.TrimSpace(req.Model),
			Query:   req.Prompt[idx+len(e.opts.CompletionMarker):],
		}, nil
	}

	return Fingerprint{}, fmt.Errorf("%w: unknown shape %q", types.ErrMalformedRequest, shape)
}

// dropRunes removes the first n characters of s.
func dropRunes(s string, n int) string {
	for i := 0; i < n && len(s) > 0; i++ {
		_, size := utf8.DecodeRuneInString(s)
		s = s[size:]
	}
	return s
}
