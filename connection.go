package relaypool

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
)

var ErrDisconnected = errors.New("<disconnected>")

// Transport opens duplex, message-oriented channels to relays. The default
// is the websocket transport; alternate transports (e.g. anonymizing
// overlay circuits) can be injected via RelayOptions.
type Transport interface {
	Dial(ctx context.Context, url string) (TransportConn, error)
}

// TransportConn is one duplex channel to one relay.
type TransportConn interface {
	// Send writes one text frame.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until the next frame arrives or the channel dies.
	Receive(ctx context.Context) ([]byte, error)
	// Ping performs a transport-level roundtrip.
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WebsocketTransport is the default Transport.
type WebsocketTransport struct {
	RequestHeader http.Header // e.g. for origin header
	TLSConfig     *tls.Config

	// ReadLimit is the maximum incoming frame size in bytes. Zero means the
	// default of 33MB.
	ReadLimit int64
}

func (wt WebsocketTransport) Dial(ctx context.Context, url string) (TransportConn, error) {
	dialCtx := ctx
	if _, ok := dialCtx.Deadline(); !ok {
		// if no timeout is set, force it to 7 seconds
		dialCtx, _ = context.WithTimeoutCause(ctx, 7*time.Second, errors.New("connection took too long"))
	}

	conn, _, err := ws.Dial(dialCtx, url, &ws.DialOptions{
		HTTPHeader: wt.RequestHeader,
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: wt.TLSConfig},
		},
	})
	if err != nil {
		return nil, err
	}

	readLimit := wt.ReadLimit
	if readLimit == 0 {
		readLimit = 2 << 24 // 33MB
	}
	conn.SetReadLimit(readLimit)

	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *ws.Conn
}

func (wc *websocketConn) Send(ctx context.Context, msg []byte) error {
	return wc.conn.Write(ctx, ws.MessageText, msg)
}

func (wc *websocketConn) Receive(ctx context.Context) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, reader, err := wc.conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (wc *websocketConn) Ping(ctx context.Context) error {
	return wc.conn.Ping(ctx)
}

func (wc *websocketConn) Close(reason string) error {
	return wc.conn.Close(ws.StatusNormalClosure, reason)
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// connection wraps one TransportConn with a write queue and a read loop.
// It dies with its context; the owning Relay decides whether to dial again.
type connection struct {
	tc           TransportConn
	cancel       context.CancelCauseFunc
	writeQueue   chan writeRequest
	closed       *atomic.Bool
	closedNotify chan struct{}
	closeMutex   sync.Mutex
}

const pingInterval = 29 * time.Second

func newConnection(
	dialCtx context.Context,
	ctx context.Context,
	cancel context.CancelCauseFunc,
	url string,
	transport Transport,
	handleMessage func(string),
	stats *connStats,
	maxMessageSize int,
	onViolation func(string),
) (*connection, error) {
	tc, err := transport.Dial(dialCtx, url)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pingInterval)

	// main loop serializes writes and dispatches reads
	writeQueue := make(chan writeRequest)
	readQueue := make(chan []byte)

	conn := &connection{
		tc:           tc,
		cancel:       cancel,
		writeQueue:   writeQueue,
		closed:       &atomic.Bool{},
		closedNotify: make(chan struct{}),
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.doClose("context done")
				return
			case <-conn.closedNotify:
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeoutCause(ctx, time.Millisecond*800, errors.New("ping took too long"))
				start := time.Now()
				err := tc.Ping(pingCtx)
				pingCancel()
				if err != nil {
					conn.doClose("ping took too long")
					return
				}
				stats.saveLatency(time.Since(start))
			case wr := <-writeQueue:
				writeCtx, writeCancel := context.WithTimeoutCause(ctx, time.Second*10, errors.New("write took too long"))
				err := tc.Send(writeCtx, wr.msg)
				writeCancel()
				if err != nil {
					conn.doClose("write failed")
					if wr.answer != nil {
						wr.answer <- err
					}
					return
				}
				stats.addBytesSent(len(wr.msg))
				if wr.answer != nil {
					close(wr.answer)
				}
			case msg := <-readQueue:
				handleMessage(string(msg))
			}
		}
	}()

	// read loop -- loops back to the main loop
	go func() {
		for {
			msg, err := tc.Receive(ctx)
			if err != nil {
				conn.doClose("failed to read")
				return
			}

			stats.addBytesReceived(len(msg))

			if maxMessageSize > 0 && len(msg) > maxMessageSize {
				onViolation(fmt.Sprintf("oversized message: %d bytes", len(msg)))
				conn.doClose("oversized message")
				return
			}

			select {
			case readQueue <- msg:
			case <-ctx.Done():
				return
			case <-conn.closedNotify:
				return
			}
		}
	}()

	return conn, nil
}

func (c *connection) doClose(reason string) {
	wasClosed := c.closed.Swap(true)
	if !wasClosed {
		c.tc.Close(reason)
		c.cancel(fmt.Errorf("doClose(): %s", reason))
		c.closeMutex.Lock()
		close(c.closedNotify)
		c.closeMutex.Unlock()
	}
}
