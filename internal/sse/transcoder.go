// Package sse turns buffered token batches into OpenAI-style event-stream frames.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tokenrelay-gateway/pkg/types"
)

// Done is the terminal frame of every transcoded response.
var Done = []byte("data: [DONE]\n\n")

// Format selects the frame generation sent to clients.
type Format string

const (
	// FormatLegacy omits created, model and finish fields on token frames.
	FormatLegacy Format = "legacy"
	// FormatCurrent adds created and model on every frame and marks the final
	// token with finish_reason and stop_reason.
	FormatCurrent Format = "current"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatLegacy, "":
		return FormatLegacy, nil
	case FormatCurrent:
		return FormatCurrent, nil
	default:
		return "", fmt.Errorf("unknown stream format %q", s)
	}
}

type chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int       `json:"index"`
	Text         string    `json:"text,omitempty"`
	Delta        *delta    `json:"delta,omitempty"`
	Powv         *int64    `json:"powv,omitempty"`
	TokenIDs     []int64   `json:"token_ids,omitempty"`
	Logprobs     *logprobs `json:"logprobs,omitempty"`
	FinishReason *string   `json:"finish_reason,omitempty"`
	StopReason   *string   `json:"stop_reason,omitempty"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type logprobs struct {
	TextOffset    int                `json:"text_offset"`
	TokenLogprobs []float64          `json:"token_logprobs"`
	Tokens        []string           `json:"tokens"`
	TopLogprobs   map[string]float64 `json:"top_logprobs"`
	Content       []contentLogprob   `json:"content,omitempty"`
}

type contentLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

type Option func(*Transcoder)

// WithClock sets the clock used for the created field.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transcoder) { t.clock = c }
}

// WithID fixes the response id instead of generating one.
func WithID(id string) Option {
	return func(t *Transcoder) { t.id = id }
}

// Transcoder encodes one response. It keeps the running text offset and the
// response id across calls and is not safe for concurrent use.
type Transcoder struct {
	shape  types.Shape
	format Format
	model  string
	clock  clockwork.Clock

	id       string
	created  int64
	offset   int
	roleSent bool
	held     *chunk
}

func NewTranscoder(shape types.Shape, format Format, model string, opts ...Option) *Transcoder {
	t := &Transcoder{
		shape:  shape,
		format: format,
		model:  model,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == "" {
		t.id = NewResponseID(shape)
	}
	t.created = t.clock.Now().Unix()
	return t
}

// NewResponseID returns "chat-" or "cmpl-" followed by 32 hex characters.
func NewResponseID(shape types.Shape) string {
	prefix := "cmpl-"
	if shape == types.ShapeChat {
		prefix = "chat-"
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (t *Transcoder) ID() string { return t.id }

// Encode returns the frames for batch. In the current format the last token
// frame is held back until the next token or Finish, since only then is it
// known whether it carries the finish reason.
func (t *Transcoder) Encode(batch types.TokenBatch) ([][]byte, error) {
	var out [][]byte

	if frame, err := t.roleFrame(); err != nil {
		return nil, err
	} else if frame != nil {
		out = append(out, frame)
	}

	for _, ev := range batch {
		if ev.Text == "" {
			continue
		}
		c := t.tokenChunk(ev)

		if t.format != FormatCurrent {
			frame, err := encode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, frame)
			continue
		}

		if t.held != nil {
			frame, err := encode(t.held)
			if err != nil {
				return nil, err
			}
			out = append(out, frame)
		}
		t.held = c
	}
	return out, nil
}

// Finish flushes any held frame, marking it final, followed by Done.
func (t *Transcoder) Finish() ([][]byte, error) {
	var out [][]byte

	if frame, err := t.roleFrame(); err != nil {
		return nil, err
	} else if frame != nil {
		out = append(out, frame)
	}

	if t.held != nil {
		stop := "stop"
		t.held.Choices[0].FinishReason = &stop
		t.held.Choices[0].StopReason = &stop
		frame, err := encode(t.held)
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
		t.held = nil
	}
	return append(out, Done), nil
}

// Transcode encodes a complete answer, Done included.
func (t *Transcoder) Transcode(events []types.TokenEvent) ([][]byte, error) {
	frames, err := t.Encode(events)
	if err != nil {
		return nil, err
	}
	tail, err := t.Finish()
	if err != nil {
		return nil, err
	}
	return append(frames, tail...), nil
}

func (t *Transcoder) roleFrame() ([]byte, error) {
	if t.shape != types.ShapeChat || t.roleSent {
		return nil, nil
	}
	t.roleSent = true

	c := &chunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Model:   t.model,
		Choices: []choice{{Index: 0, Delta: &delta{Role: "assistant"}}},
	}
	if t.format == FormatCurrent {
		c.Created = t.created
	}
	return encode(c)
}

func (t *Transcoder) tokenChunk(ev types.TokenEvent) *chunk {
	lp := &logprobs{
		TextOffset:    t.offset,
		TokenLogprobs: []float64{ev.Logprob},
		Tokens:        []string{ev.Text},
		TopLogprobs:   map[string]float64{ev.Text: ev.Logprob},
	}
	ch := choice{
		Index:    0,
		Text:     ev.Text,
		Powv:     ev.Powv,
		TokenIDs: []int64{ev.TokenID},
		Logprobs: lp,
	}

	object := "text_completion"
	if t.shape == types.ShapeChat {
		object = "chat.completion.chunk"
		ch.Delta = &delta{Content: ev.Text}
		lp.Content = []contentLogprob{{Token: ev.Text, Logprob: ev.Logprob}}
	}

	c := &chunk{ID: t.id, Object: object, Choices: []choice{ch}}
	if t.format == FormatCurrent {
		c.Created = t.created
		c.Model = t.model
	}

	t.offset += utf16Len(ev.Text)
	return c
}

func encode(c *chunk) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("sse: encode frame: %w", err)
	}
	return Frame(payload), nil
}

// Frame wraps payload as one event-stream data frame.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, "\n\n"...)
}

// utf16Len counts UTF-16 code units, the unit text_offset is measured in.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
