package slchat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter emits one outbound event. Channels implement it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Gate serializes outbound messages under one shared clock and correlates
// each emitted message with the server echo carrying its temp token.
type Gate struct {
	interval time.Duration
	timeout  time.Duration

	sendMu   sync.Mutex
	lastSend time.Time

	mu      sync.Mutex
	pending map[string]chan *Message
}

// NewGate returns a gate spacing sends at least interval apart and waiting
// up to timeout for each echo.
func NewGate(interval, timeout time.Duration) *Gate {
	return &Gate{
		interval: interval,
		timeout:  timeout,
		pending:  make(map[string]chan *Message),
	}
}

// Send emits text on em and waits for the correlated echo. When no echo
// arrives before the timeout Send returns (nil, nil). An emit failure is
// returned as a *SendError.
func (g *Gate) Send(ctx context.Context, em Emitter, chatID, text string) (*Message, error) {
	token, ch, err := g.emit(ctx, em, chatID, text)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return g.settle(token, ch), nil
	case <-ctx.Done():
		if msg := g.settle(token, ch); msg != nil {
			return msg, nil
		}
		return nil, ctx.Err()
	}
}

// emit holds sendMu across the spacing delay and the emit call only.
func (g *Gate) emit(ctx context.Context, em Emitter, chatID, text string) (string, chan *Message, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	if delay := g.interval - time.Since(g.lastSend); delay > 0 && !g.lastSend.IsZero() {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", nil, ctx.Err()
		}
	}

	token, ch := g.register()
	err := em.Emit(ctx, EventMessageSend, MessageSendData{Text: text, TempToken: token})
	g.lastSend = time.Now()
	if err != nil {
		g.forget(token)
		return "", nil, &SendError{Op: "send", ChatID: chatID, Err: err}
	}
	return token, ch, nil
}

// register creates a pending entry under a token unique among pending sends.
func (g *Gate) register() (string, chan *Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		token := uuid.NewString()
		if _, taken := g.pending[token]; taken {
			continue
		}
		ch := make(chan *Message, 1)
		g.pending[token] = ch
		return token, ch
	}
}

// Resolve fulfills the pending send registered under token. It reports
// false when the token is unknown or already settled.
func (g *Gate) Resolve(token string, msg *Message) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.pending[token]
	if !ok {
		return false
	}
	delete(g.pending, token)
	ch <- msg
	return true
}

// settle removes token after a timeout and returns a message that raced in
// just before the removal.
func (g *Gate) settle(token string, ch chan *Message) *Message {
	g.forget(token)
	select {
	case msg := <-ch:
		return msg
	default:
		return nil
	}
}

func (g *Gate) forget(token string) {
	g.mu.Lock()
	delete(g.pending, token)
	g.mu.Unlock()
}

// Pending returns the number of sends awaiting their echo.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
