package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=connection

// Conn abstracts the relay socket so Manager can be tested without a
// real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens a transport to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

const dialTimeout = 15 * time.Second

// WebsocketDialer returns a Dialer backed by coder/websocket. header is
// sent with the upgrade request and may be nil.
func WebsocketDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing relay: %w", err)
		}

		return conn, nil
	}
}
