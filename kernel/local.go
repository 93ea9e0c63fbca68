package kernel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/colorfulnotion/shieldsync/log"
)

// Handler executes kernel requests. Implementations must be safe for
// concurrent use.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// LocalConn runs a Handler in-process. Each request is handled on its own
// goroutine, so responses can complete out of order just as they would from a
// remote kernel. Messages cross the boundary JSON encoded.
type LocalConn struct {
	handler Handler
	replies chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewLocalConn(h Handler) *LocalConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalConn{
		handler: h,
		replies: make(chan []byte, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *LocalConn) Send(ctx context.Context, req *Request) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	go c.serve(raw)
	return nil
}

func (c *LocalConn) serve(raw []byte) {
	var req Request
	var resp *Response
	if err := json.Unmarshal(raw, &req); err != nil {
		resp = NewErrorResponse("", CodeParseError, err.Error())
	} else {
		resp = c.handler.Handle(c.ctx, &req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		log.Error(log.KernelMonitoring, "encode local response", "id", req.ID, "err", err)
		return
	}
	select {
	case c.replies <- out:
	case <-c.ctx.Done():
	}
}

func (c *LocalConn) Recv() (*Response, error) {
	select {
	case raw := <-c.replies:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	case <-c.ctx.Done():
		return nil, ErrConnClosed
	}
}

func (c *LocalConn) Close() error {
	c.once.Do(c.cancel)
	return nil
}
