package mcp

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Transport is a bidirectional channel carrying protocol envelopes between
// two peers. Implementations must deliver messages in write order within one
// direction; the two directions have no required ordering relative to each
// other.
type Transport interface {
	// Next blocks until the next inbound message arrives and returns it.
	// It returns io.EOF when the remote end closed the stream cleanly, or a
	// transport error when the stream failed. Next is called by a single
	// reader at a time.
	Next(ctx context.Context) (Message, error)

	// Write sends one outbound message. It must be safe to call while a Next
	// call is in progress, and safe to call from multiple goroutines.
	Write(ctx context.Context, msg Message) error

	// Close releases the underlying stream. Pending and subsequent Next
	// calls return io.EOF. Close is idempotent.
	Close() error
}

// errTransportClosed is returned by pipe writes after Close.
var errTransportClosed = errors.New("transport is closed")

// PipeTransport is an in-process Transport connecting two endpoints through
// channels. It is used to wire a client and a server running in the same
// process, and by tests that need a transport without I/O.
type PipeTransport struct {
	in  chan Message
	out chan Message

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe creates a connected pair of in-process transports. Messages written on
// one end arrive on the other in write order. Closing either end ends the
// stream for both.
func Pipe() (*PipeTransport, *PipeTransport) {
	aToB := make(chan Message, 8)
	bToA := make(chan Message, 8)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &PipeTransport{in: bToA, out: aToB, done: done, closeOnce: once}
	b := &PipeTransport{in: aToB, out: bToA, done: done, closeOnce: once}
	return a, b
}

// Next implements Transport.
func (p *PipeTransport) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.done:
		// Drain messages that were written before the close.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return Message{}, io.EOF
		}
	case msg := <-p.in:
		return msg, nil
	}
}

// Write implements Transport.
func (p *PipeTransport) Write(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errTransportClosed
	case p.out <- msg:
		return nil
	}
}

// Close implements Transport.
func (p *PipeTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
