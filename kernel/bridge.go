// Package kernel is the typed boundary to the cryptographic kernel. Calls are
// tagged with a unique id and correlated with their responses by a Bridge,
// which runs over any Conn transport.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/metrics"
	"github.com/colorfulnotion/shieldsync/telemetry"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// ErrConnClosed is returned by a Conn after Close.
var ErrConnClosed = errors.New("kernel: connection closed")

// Conn carries requests to a kernel and responses back. Send may be called
// concurrently. Recv is only called by the Bridge dispatch loop.
type Conn interface {
	Send(ctx context.Context, req *Request) error
	Recv() (*Response, error)
	Close() error
}

// Invoker issues a single kernel operation and decodes its result.
type Invoker interface {
	Invoke(ctx context.Context, op Op, params, result interface{}) error
}

// Bridge correlates concurrent kernel calls with their responses. Responses
// may arrive in any order.
type Bridge struct {
	conn Conn

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewBridge starts the dispatch loop on conn.
func NewBridge(conn Conn) *Bridge {
	b := &Bridge{
		conn:    conn,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bridge) dispatch() {
	for {
		resp, err := b.conn.Recv()
		if err != nil {
			if !errors.Is(err, ErrConnClosed) {
				log.Warn(log.KernelMonitoring, "kernel connection lost", "err", err)
			}
			b.shutdown()
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if !ok {
			log.Warn(log.KernelMonitoring, "dropping response for unknown call", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// shutdown fails every outstanding call with ErrBridgeClosed.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
	b.mu.Unlock()
	b.doneOnce.Do(func() { close(b.done) })
}

// Done is closed once the bridge stops accepting calls.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Pending returns the number of calls awaiting a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Invoke sends op with params and decodes the response into result, which may
// be nil. There is no built-in timeout: ctx bounds the wait, and expiry is
// reported as a KernelError.
func (b *Bridge) Invoke(ctx context.Context, op Op, params, result interface{}) (err error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "kernel."+string(op))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.Kernel().Observe(string(op), err, time.Since(start))
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		return walleterrors.NewKernelError(string(op), err)
	}
	id := uuid.New().String()
	span.SetAttributes(attribute.String("kernel.call_id", id))
	ch := make(chan *Response, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return walleterrors.NewKernelError(string(op), walleterrors.ErrBridgeClosed)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	req := &Request{JSONRPC: jsonRPCVersion, ID: id, Method: op, Params: raw}
	if err := b.conn.Send(ctx, req); err != nil {
		b.forget(id)
		if errors.Is(err, ErrConnClosed) {
			err = walleterrors.ErrBridgeClosed
		}
		return walleterrors.NewKernelError(string(op), err)
	}
	log.Trace(log.KernelMonitoring, "kernel call sent", "op", op, "id", id)

	select {
	case resp, ok := <-ch:
		if !ok {
			return walleterrors.NewKernelError(string(op), walleterrors.ErrBridgeClosed)
		}
		if resp.Error != nil {
			return &walleterrors.KernelError{Op: string(op), Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return walleterrors.NewKernelError(string(op), err)
			}
		}
		return nil
	case <-ctx.Done():
		b.forget(id)
		return walleterrors.NewKernelError(string(op), ctx.Err())
	}
}

// Close closes the transport and fails outstanding calls.
func (b *Bridge) Close() error {
	err := b.conn.Close()
	b.shutdown()
	return err
}
