package localsocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is written at the head of every frame.
const ProtocolVersion uint32 = 1

// MaxFrameSize bounds the payload a peer may announce.
const MaxFrameSize = 64 << 20

var (
	ErrVersionMismatch = errors.New("localsocket: protocol version mismatch")
	ErrFrameTooLarge   = errors.New("localsocket: frame exceeds maximum size")
)

// WriteFrame writes one message as [version uint32][size uint32][payload], big-endian.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], ProtocolVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one whole message written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if v := binary.BigEndian.Uint32(header[0:4]); v != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, ProtocolVersion)
	}
	size := binary.BigEndian.Uint32(header[4:8])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return data, nil
}
