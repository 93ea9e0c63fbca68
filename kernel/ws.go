package kernel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colorfulnotion/shieldsync/log"
)

// WSConn is a websocket transport to an out-of-process kernel.
type WSConn struct {
	conn    *websocket.Conn
	wsMutex sync.Mutex // to protect writes
	closed  chan struct{}
	once    sync.Once
}

// DialWS connects to a kernel serving JSON-RPC over websocket at url.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn, closed: make(chan struct{})}, nil
}

func (c *WSConn) Send(ctx context.Context, req *Request) error {
	c.wsMutex.Lock()
	defer c.wsMutex.Unlock()
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(req)
}

func (c *WSConn) Recv() (*Response, error) {
	var resp Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		select {
		case <-c.closed:
			return nil, ErrConnClosed
		default:
		}
		return nil, err
	}
	return &resp, nil
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		c.wsMutex.Lock()
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wsMutex.Unlock()
		err = c.conn.Close()
	})
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS exposes h as a websocket JSON-RPC endpoint. Requests on one
// connection are handled concurrently.
func ServeWS(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn(log.KernelMonitoring, "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var (
			writeMu sync.Mutex
			wg      sync.WaitGroup
		)
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					log.Debug(log.KernelMonitoring, "websocket read ended", "remote", r.RemoteAddr, "err", err)
				}
				break
			}
			wg.Add(1)
			go func(req Request) {
				defer wg.Done()
				resp := h.Handle(ctx, &req)
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := conn.WriteJSON(resp); err != nil {
					log.Debug(log.KernelMonitoring, "websocket write failed", "id", req.ID, "err", err)
				}
			}(req)
		}
		cancel()
		wg.Wait()
	})
}
