package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	body := []byte(`{"rows":[[{"data":"a"},{"data":"42"}]]}`)
	h := HeaderFor(body)

	parsed, err := ParseHeader(h.MarshalBinary())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.NoError(t, parsed.VerifyBody(body))
}

func TestParseHeaderRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short buffer", func(b []byte) []byte { return b[:HeaderFixedSize-1] }},
		{"long buffer", func(b []byte) []byte { return append(b, 0) }},
		{"wrong protocol", func(b []byte) []byte { b[3] = 99; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := HeaderFor([]byte("body")).MarshalBinary()
			_, err := ParseHeader(tt.mutate(raw))
			assert.Error(t, err)
		})
	}
}

func TestVerifyBodyDetectsCorruption(t *testing.T) {
	body := []byte("some fragment body")
	h := HeaderFor(body)

	corrupted := append([]byte(nil), body...)
	corrupted[0] ^= 0xff
	assert.Error(t, h.VerifyBody(corrupted))

	truncated := body[:len(body)-1]
	assert.Error(t, h.VerifyBody(truncated))
}

func TestEncodeFragmentLayout(t *testing.T) {
	body := []byte("payload")
	frame := EncodeFragment(body)

	require.Equal(t, 1+HeaderFixedSize+len(body), len(frame))
	assert.Equal(t, byte(HeaderFixedSize), frame[0])

	h, err := ParseHeader(frame[1 : 1+HeaderFixedSize])
	require.NoError(t, err)
	assert.NoError(t, h.VerifyBody(frame[1+HeaderFixedSize:]))
}

func TestTaskMsgHashStable(t *testing.T) {
	msg := &TaskMsg{QueryID: 314, JobID: 1, Attempt: 1, ChunkID: 100, DB: "LSST", Query: "SELECT 1 FROM Obj_100"}

	h1, err := msg.Hash()
	require.NoError(t, err)

	data, err := msg.Marshal()
	require.NoError(t, err)
	parsed, err := UnmarshalTaskMsg(data)
	require.NoError(t, err)

	h2, err := parsed.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestUnmarshalBodyRowWidthCheck(t *testing.T) {
	resp := &WorkerResponse{
		Schema: []Column{{Name: "a", SQLType: "VARCHAR(8)", IsString: true}, {Name: "b", SQLType: "INT"}},
		Rows:   [][]Cell{{{Data: "x"}, {Data: "1"}}},
	}
	data, err := MarshalBody(resp)
	require.NoError(t, err)

	decoded, err := UnmarshalBody(data)
	require.NoError(t, err)
	assert.True(t, SchemaEqual(resp.Schema, decoded.Schema))

	resp.Rows = [][]Cell{{{Data: "x"}}}
	data, err = MarshalBody(resp)
	require.NoError(t, err)
	_, err = UnmarshalBody(data)
	assert.Error(t, err)
}
