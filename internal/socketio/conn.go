package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const closeWriteTimeout = time.Second

// Sentinel errors.
var (
	ErrClosed       = errors.New("socketio: connection closed")
	ErrDisconnected = errors.New("socketio: namespace disconnected by server")
)

// ConnectError is returned when the server refuses the namespace connection.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("socketio: connect %s refused: %s", e.Namespace, e.Message)
}

// DecodeError is returned by Receive for a frame it cannot parse. The
// connection stays usable and the next Receive reads the following frame.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("socketio: undecodable frame %q: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Event is an inbound Socket.IO event.
type Event struct {
	Name string
	Data json.RawMessage
}

// DialOptions configures the handshake.
type DialOptions struct {
	// Header is sent with the WebSocket upgrade request (cookies go here).
	Header http.Header

	// Query is appended to the Engine.IO URL. Socket.IO servers expose it
	// to the namespace handler as the handshake query.
	Query url.Values

	// HTTPClient is used for the upgrade request. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
}

// Conn is a Socket.IO connection bound to one namespace.
// Emit may be called concurrently; Receive must be called from a single
// goroutine.
type Conn struct {
	ws        *websocket.Conn
	namespace string
	sid       string

	mu     sync.Mutex
	closed bool
}

// Dial opens a WebSocket to rawURL, completes the Engine.IO handshake and
// connects to namespace.
func Dial(ctx context.Context, rawURL, namespace string, opts *DialOptions) (*Conn, error) {
	endpoint, err := engineURL(rawURL, opts)
	if err != nil {
		return nil, err
	}

	dialOpts := &websocket.DialOptions{}
	if opts != nil {
		dialOpts.HTTPHeader = opts.Header
		dialOpts.HTTPClient = opts.HTTPClient
	}

	ws, _, err := websocket.Dial(ctx, endpoint, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("socketio: dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(8 * 1024 * 1024)

	c := &Conn{ws: ws, namespace: normalizeNamespace(namespace)}
	if err := c.handshake(ctx); err != nil {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}
	return c, nil
}

// SID returns the session id assigned by the server for the namespace.
func (c *Conn) SID() string {
	return c.sid
}

// Namespace returns the namespace this connection is bound to.
func (c *Conn) Namespace() string {
	return c.namespace
}

func (c *Conn) handshake(ctx context.Context) error {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("socketio: read open: %w", err)
	}
	if len(data) == 0 || data[0] != engineOpen {
		return fmt.Errorf("socketio: expected open packet, got %q", data)
	}
	var open openData
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return fmt.Errorf("socketio: decode open: %w", err)
	}

	if err := c.write(ctx, Encode(Packet{Type: PacketConnect, Namespace: c.namespace})); err != nil {
		return err
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("socketio: read connect ack: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case enginePing:
			if err := c.write(ctx, []byte{enginePong}); err != nil {
				return err
			}
			continue
		case engineMessage:
		default:
			continue
		}

		p, err := Decode(data[1:])
		if err != nil {
			return err
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(p.Data) > 0 {
				_ = json.Unmarshal(p.Data, &ack)
			}
			c.sid = ack.SID
			return nil
		case PacketConnectError:
			var ce connectError
			_ = json.Unmarshal(p.Data, &ce)
			return &ConnectError{Namespace: c.namespace, Message: ce.Message}
		}
	}
}

// Emit sends an event with an optional payload.
func (c *Conn) Emit(ctx context.Context, name string, payload any) error {
	p, err := EventPacket(c.namespace, name, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, Encode(p))
}

// Receive blocks until the next event for the namespace arrives. Heartbeat
// pings are answered transparently. A malformed frame yields a
// *DecodeError; callers may keep receiving after it.
func (c *Conn) Receive(ctx context.Context) (*Event, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil, ErrClosed
			}
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case enginePing:
			if err := c.write(ctx, []byte{enginePong}); err != nil {
				return nil, err
			}
			continue
		case engineClose:
			return nil, ErrDisconnected
		case engineMessage:
		default:
			continue
		}

		p, err := Decode(data[1:])
		if err != nil {
			return nil, &DecodeError{Frame: data, Err: err}
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketDisconnect:
			return nil, ErrDisconnected
		case PacketEvent:
			name, arg, err := EventArgs(p)
			if err != nil {
				return nil, &DecodeError{Frame: data, Err: err}
			}
			return &Event{Name: name, Data: arg}, nil
		}
	}
}

// Close leaves the namespace and closes the WebSocket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
	_ = c.ws.Write(ctx, websocket.MessageText, Encode(Packet{Type: PacketDisconnect, Namespace: c.namespace}))
	cancel()

	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func engineURL(rawURL string, opts *DialOptions) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("socketio: parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}

	q := u.Query()
	if opts != nil {
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeNamespace(ns string) string {
	if ns == "" {
		return "/"
	}
	if !strings.HasPrefix(ns, "/") {
		return "/" + ns
	}
	return ns
}
