package network

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowledger/blockchain"
)

// oneByteReader hands out a single byte per Read call.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestFrameRoundTripAcrossFragmentedReads(t *testing.T) {
	var buf bytes.Buffer
	first, err := NewMessage(MsgPing, "127.0.0.1:9000", PingPayload{Timestamp: 42, NodeID: "n1"})
	require.NoError(t, err)
	second, err := NewMessage(MsgGetChain, "", nil)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	r := oneByteReader{&buf}
	got, err := ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, MsgPing, got.Type)
	assert.Equal(t, "127.0.0.1:9000", got.From)
	var ping PingPayload
	require.NoError(t, got.ParsePayload(&ping))
	assert.Equal(t, int64(42), ping.Timestamp)

	got, err = ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, MsgGetChain, got.Type)

	_, err = ReadMessage(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1024)
	_, err := ReadMessage(bytes.NewReader(hdr[:]), 512)
	assert.ErrorIs(t, err, blockchain.ErrMalformedInput)
}

func TestReadRejectsGarbage(t *testing.T) {
	body := []byte("not json")
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := ReadMessage(bytes.NewReader(frame), 0)
	assert.ErrorIs(t, err, blockchain.ErrMalformedInput)

	body = []byte(`{"from":"x"}`)
	frame = make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = ReadMessage(bytes.NewReader(frame), 0)
	assert.ErrorIs(t, err, blockchain.ErrMalformedInput)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	msg, err := NewMessage(MsgGetPeers, "", nil)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(&buf, msg))
	cut := buf.Bytes()[:buf.Len()-2]
	_, err = ReadMessage(bytes.NewReader(cut), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParsePayloadWithoutData(t *testing.T) {
	msg := &Message{Type: MsgNewBlock}
	var p NewBlockPayload
	assert.ErrorIs(t, msg.ParsePayload(&p), blockchain.ErrMalformedInput)
}
