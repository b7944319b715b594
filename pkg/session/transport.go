package session

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const maxFrameBytes = 1 << 20

// Transport is the underlying bidirectional message channel. Implementations
// must be safe for one concurrent reader and one concurrent writer.
type Transport interface {
	// Read blocks until a frame arrives, the context is cancelled, or the
	// connection fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame.
	Write(ctx context.Context, data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}

// DialFunc opens a Transport. The manager injects a fake in tests.
type DialFunc func(ctx context.Context, endpoint string, creds Credentials) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

// dialWebSocket is the production DialFunc. Authentication failures at the
// HTTP layer and policy-violation closes map to KindInvalidCredentials so the
// retry policy can tell them apart from network trouble.
func dialWebSocket(ctx context.Context, endpoint string, creds Credentials) (Transport, error) {
	header := http.Header{}
	header.Set("Authorization", creds.BasicAuthHeader())

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, wrapError(KindInvalidCredentials, "server rejected credentials", err)
		}
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, wrapError(KindInvalidCredentials, "server rejected connection (policy violation)", err)
		}
		return nil, wrapError(KindTransport, "websocket dial failed", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, wrapError(KindInvalidCredentials, "connection closed (policy violation)", err)
		}
		return nil, wrapError(KindTransport, "websocket read failed", err)
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := t.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return wrapError(KindTransport, "websocket write failed", err)
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
