package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"shadowledger/blockchain"
)

// DefaultMaxFrame bounds a single message body.
const DefaultMaxFrame = 32 << 20

// WriteMessage writes msg as a 4-byte big-endian length followed by its
// JSON encoding.
func WriteMessage(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > DefaultMaxFrame {
		return fmt.Errorf("%w: frame of %d bytes", blockchain.ErrMalformedInput, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads exactly one frame. It loops until the whole body is in,
// however the bytes arrive.
func ReadMessage(r io.Reader, maxFrame int) (*Message, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || uint64(n) > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: frame length %d", blockchain.ErrMalformedInput, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", blockchain.ErrMalformedInput, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: message without type", blockchain.ErrMalformedInput)
	}
	return &msg, nil
}
