// Package ipc carries framed messages between the agent and a worker
// process over a pair of anonymous pipes.
//
// Each frame is one CBOR data item, so the stream needs no length prefix:
// the decoder consumes exactly one frame per Receive.
package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies a frame
type MessageType string

const (
	// Agent to worker
	NewJobRequest           MessageType = "NewJobRequest"
	CancelRequest           MessageType = "CancelRequest"
	AgentShutdown           MessageType = "AgentShutdown"
	OperatingSystemShutdown MessageType = "OperatingSystemShutdown"

	// Worker to agent
	StepLog MessageType = "StepLog"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("ipc: channel closed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Frame is one message on the wire
type Frame struct {
	Type MessageType     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// Decode unmarshals the frame body into v
func (f *Frame) Decode(v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("ipc: %s frame has no body", f.Type)
	}
	if err := decMode.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("ipc: decoding %s frame: %w", f.Type, err)
	}
	return nil
}

// deadliner is implemented by *os.File for pipes
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Channel is one end of a bidirectional frame stream. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Channel struct {
	r   io.ReadCloser
	w   io.WriteCloser
	dec *cbor.Decoder

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a channel reading frames from r and writing frames to w.
func New(r io.ReadCloser, w io.WriteCloser) *Channel {
	return &Channel{
		r:      r,
		w:      w,
		dec:    decMode.NewDecoder(r),
		closed: make(chan struct{}),
	}
}

// Send writes one frame. If ctx ends before the peer has taken the frame,
// the write is abandoned and the channel must not be used for sending
// again.
func (c *Channel) Send(ctx context.Context, typ MessageType, body any) error {
	frame := Frame{Type: typ}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return fmt.Errorf("ipc: encoding %s body: %w", typ, err)
		}
		frame.Body = raw
	}
	var buf bytes.Buffer
	if err := encMode.NewEncoder(&buf).Encode(frame); err != nil {
		return fmt.Errorf("ipc: encoding %s frame: %w", typ, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.w.Write(buf.Bytes())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ipc: sending %s: %w", typ, err)
		}
		return nil
	case <-ctx.Done():
		// Unblock the writer so it does not outlive the call.
		if d, ok := c.w.(deadliner); ok {
			_ = d.SetWriteDeadline(time.Now())
		} else {
			c.Close()
		}
		<-done
		return fmt.Errorf("ipc: sending %s: %w", typ, ctx.Err())
	}
}

// Receive blocks until the next frame arrives. It returns io.EOF once the
// peer closes its end.
func (c *Channel) Receive() (*Frame, error) {
	var frame Frame
	if err := c.dec.Decode(&frame); err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &frame, nil
}

// Close closes both pipe ends. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.Join(c.w.Close(), c.r.Close())
	})
	return err
}
