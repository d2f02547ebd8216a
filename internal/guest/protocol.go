// Package guest holds the worker agent that runs as init inside a microVM
// and the frame protocol the host uses to reach it over vsock.
package guest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds a single message in either direction.
const MaxFrame = 16 << 20

// Guest operations.
const (
	OpPing   = "ping"
	OpLoad   = "load"
	OpInvoke = "invoke"
)

// ErrGuest wraps a failure reported by the agent inside the VM.
var ErrGuest = errors.New("guest error")

// Request is one host-to-agent call.
type Request struct {
	Op      string          `json:"op"`
	Package []byte          `json:"package,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the agent's single reply to a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Err returns nil for a successful response and an ErrGuest-wrapped error otherwise.
func (r Response) Err(op string) error {
	if r.OK {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "no detail"
	}
	return fmt.Errorf("%s: %w: %s", op, ErrGuest, msg)
}

// WriteFrame writes v as a 4-byte big-endian length followed by its JSON.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), MaxFrame)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds %d", n, MaxFrame)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
