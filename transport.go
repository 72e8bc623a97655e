package slchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/slchat-go/slchat/internal/socketio"
)

// Transport is one namespace connection. Emit may be called concurrently;
// Receive is called from a single read loop. A *ProtocolError from Receive
// marks one bad frame and the loop keeps reading; any other error ends it.
type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
	Receive(ctx context.Context) (*Frame, error)
	Close() error
}

// Frame is an inbound event.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Dialer opens namespace connections. query carries the chat handshake
// parameters and is nil for the control channel.
type Dialer interface {
	Dial(ctx context.Context, namespace string, query url.Values) (Transport, error)
}

// DialOptions configures the default Socket.IO dialer.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// NewDialer returns a Dialer connecting to host over Socket.IO and
// authenticating with the op/token session cookies.
func NewDialer(host, botID, token string, opts *DialOptions) Dialer {
	headers := http.Header{}
	var client *http.Client
	if opts != nil {
		if opts.HTTPHeader != nil {
			headers = opts.HTTPHeader.Clone()
		}
		client = opts.HTTPClient
	}
	headers.Set("Cookie", sessionCookie(botID, token))

	return &socketDialer{
		baseURL: baseURL(host),
		header:  headers,
		client:  client,
	}
}

type socketDialer struct {
	baseURL string
	header  http.Header
	client  *http.Client
}

func (d *socketDialer) Dial(ctx context.Context, namespace string, query url.Values) (Transport, error) {
	conn, err := socketio.Dial(ctx, d.baseURL, namespace, &socketio.DialOptions{
		Header:     d.header,
		Query:      query,
		HTTPClient: d.client,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "dial " + namespace, URL: d.baseURL, Err: err}
	}
	return &socketTransport{conn: conn}, nil
}

// socketTransport implements Transport over a socketio.Conn.
type socketTransport struct {
	conn *socketio.Conn
}

func (t *socketTransport) Emit(ctx context.Context, event string, payload any) error {
	if err := t.conn.Emit(ctx, event, payload); err != nil {
		if errors.Is(err, socketio.ErrClosed) {
			return ErrClosed
		}
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (t *socketTransport) Receive(ctx context.Context) (*Frame, error) {
	ev, err := t.conn.Receive(ctx)
	if err != nil {
		if errors.Is(err, socketio.ErrClosed) {
			return nil, ErrClosed
		}
		var de *socketio.DecodeError
		if errors.As(err, &de) {
			return nil, &ProtocolError{Event: "frame", Err: err}
		}
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	return &Frame{Event: ev.Name, Data: ev.Data}, nil
}

func (t *socketTransport) Close() error {
	return t.conn.Close()
}

func sessionCookie(botID, token string) string {
	return fmt.Sprintf("op=%s; token=%s", botID, token)
}

func baseURL(host string) string {
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		return host
	}
	return "https://" + host
}

// chatQuery is the handshake query identifying a chat sub-channel.
func chatQuery(chatID string, kind ChatKind) url.Values {
	return url.Values{
		"type":   {string(kind)},
		"id":     {chatID},
		"status": {"online"},
	}
}
