package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tokenrelay-gateway/pkg/types"
)

// Decoder turns one raw upstream read into a token batch.
type Decoder interface {
	Decode(chunk []byte) (types.TokenBatch, error)
}

var arrayBoundary = []byte("][")

// RecoveringDecoder expects every read to hold one JSON array of tokens. When
// the backend's framing glued several arrays together ("[...][...]") it parses
// each array on its own and concatenates the tokens. Anything else is reported
// as types.ErrFrameParse so the caller can drop that chunk and keep streaming.
type RecoveringDecoder struct{}

func (RecoveringDecoder) Decode(chunk []byte) (types.TokenBatch, error) {
	batch := types.TokenBatch{}
	wholeErr := json.Unmarshal(chunk, &batch)
	if wholeErr == nil {
		if batch == nil {
			batch = types.TokenBatch{}
		}
		return batch, nil
	}

	if !bytes.Contains(chunk, arrayBoundary) {
		return nil, fmt.Errorf("%w: %v", types.ErrFrameParse, wholeErr)
	}

	// The JSON scanner finds the real boundaries, so a "][" inside a token's
	// text cannot split an array in the wrong place.
	dec := json.NewDecoder(bytes.NewReader(chunk))
	out := types.TokenBatch{}
	for part := 0; ; part++ {
		var tokens types.TokenBatch
		err := dec.Decode(&tokens)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: array %d: %v", types.ErrFrameParse, part, err)
		}
		out = append(out, tokens...)
	}
	return out, nil
}
