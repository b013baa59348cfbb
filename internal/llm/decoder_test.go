package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tokenrelay-gateway/pkg/types"
)

func TestRecoveringDecoder(t *testing.T) {
	t.Parallel()

	powv := int64(7)
	tests := []struct {
		name    string
		chunk   string
		want    types.TokenBatch
		wantErr bool
	}{
		{
			name:  "single array",
			chunk: `[{"text":"Hel","token_id":1,"logprob":-0.5},{"text":"lo","token_id":2,"logprob":-0.1,"powv":7}]`,
			want: types.TokenBatch{
				{Text: "Hel", TokenID: 1, Logprob: -0.5},
				{Text: "lo", TokenID: 2, Logprob: -0.1, Powv: &powv},
			},
		},
		{
			name:  "two arrays glued together",
			chunk: `[{"text":"a"}][{"text":"b"}]`,
			want:  types.TokenBatch{{Text: "a"}, {Text: "b"}},
		},
		{
			name:  "three arrays glued together",
			chunk: `[{"text":"a"}][][{"text":"c"}]`,
			want:  types.TokenBatch{{Text: "a"}, {Text: "c"}},
		},
		{
			name:  "boundary marker inside text",
			chunk: `[{"text":"]["}][{"text":"x"}]`,
			want:  types.TokenBatch{{Text: "]["}, {Text: "x"}},
		},
		{
			name:  "empty array",
			chunk: `[]`,
			want:  types.TokenBatch{},
		},
		{
			name:    "truncated array",
			chunk:   `[{"text":"a"`,
			wantErr: true,
		},
		{
			name:    "truncated second array",
			chunk:   `[{"text":"a"}][{"te`,
			wantErr: true,
		},
		{
			name:    "garbage",
			chunk:   `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecoveringDecoder{}.Decode([]byte(tt.chunk))
			if tt.wantErr {
				require.ErrorIs(t, err, types.ErrFrameParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProperty_RecoveringDecoder_ConcatenatedArrays(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(rt, "n")
		events := make(types.TokenBatch, n)
		for i := range events {
			events[i] = types.TokenEvent{
				Text:    rapid.String().Draw(rt, "text"),
				TokenID: rapid.Int64Range(0, 1<<20).Draw(rt, "token_id"),
			}
		}
		split := rapid.IntRange(0, n).Draw(rt, "split")

		left, err := json.Marshal(append(types.TokenBatch{}, events[:split]...))
		require.NoError(rt, err)
		right, err := json.Marshal(append(types.TokenBatch{}, events[split:]...))
		require.NoError(rt, err)

		got, err := RecoveringDecoder{}.Decode(append(left, right...))
		require.NoError(rt, err)
		assert.Equal(rt, events, got)
	})
}
