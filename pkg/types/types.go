package types

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformedRequest means no fingerprint could be extracted from the request.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUpstreamUnavailable means the backend could not produce a usable stream.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrFrameParse marks a single upstream chunk that could not be decoded.
	ErrFrameParse = errors.New("frame parse error")

	// ErrStreamTimeout is returned to a subscriber that waited past its bound.
	ErrStreamTimeout = errors.New("stream timeout")

	// ErrSealed is returned when appending to a buffer that already holds its sentinel.
	ErrSealed = errors.New("buffer sealed")
)

// Shape is the inbound request shape.
type Shape string

const (
	ShapeChat       Shape = "chat"
	ShapeCompletion Shape = "completion"
)

// Version is the externally visible protocol version taken from the /v{N}/ path prefix.
type Version int

const (
	// VersionStream delivers transcoded SSE frames.
	VersionStream Version = 1
	// VersionBatch waits for the full answer and returns one JSON array.
	VersionBatch Version = 2
	// VersionRaw forwards each buffered batch as the backend framed it.
	VersionRaw Version = 3
)

// ParseVersion parses the numeric part of a "/v{N}" path segment.
func ParseVersion(s string) (Version, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	v := Version(n)
	if !v.Valid() {
		return 0, fmt.Errorf("unsupported version %d", n)
	}
	return v, nil
}

func (v Version) Valid() bool {
	return v >= VersionStream && v <= VersionRaw
}

func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

// TokenEvent is one token produced by the backend.
type TokenEvent struct {
	Text    string  `json:"text"`
	TokenID int64   `json:"token_id"`
	Logprob float64 `json:"logprob"`
	Powv    *int64  `json:"powv,omitempty"`
}

// TokenBatch is the list of tokens decoded from one upstream read. It may be empty.
type TokenBatch []TokenEvent

// ChatMessage is a single conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of a chat request body the gateway inspects.
// The body itself is forwarded to the backend untouched.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// CompletionRequest is the subset of a completion request body the gateway inspects.
type CompletionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}
