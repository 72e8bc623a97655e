package slchat

import (
	"context"
	"errors"
	"sync"
)

// ChannelState represents the state of a chat sub-channel.
type ChannelState string

const (
	StateConnecting ChannelState = "connecting"
	StateReady      ChannelState = "ready"
	StateClosed     ChannelState = "closed"
)

// Channel is the realtime connection to one chat.
// It is safe for concurrent use by multiple goroutines.
type Channel struct {
	bot       *Bot
	id        string
	kind      ChatKind
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.RWMutex
	state ChannelState

	ready     chan struct{}
	readyOnce sync.Once
}

func newChannel(b *Bot, id string, kind ChatKind, t Transport) *Channel {
	ctx, cancel := context.WithCancel(b.ctx)
	return &Channel{
		bot:       b,
		id:        id,
		kind:      kind,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		ready:     make(chan struct{}),
	}
}

// ID returns the chat id.
func (c *Channel) ID() string {
	return c.id
}

// Kind returns whether the chat is a server or a DM.
func (c *Channel) Kind() ChatKind {
	return c.kind
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready is closed once the chat setup roster has been processed.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Emit sends an event on the chat namespace.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	// Observability hook
	if c.bot.cfg.onSend != nil {
		c.bot.cfg.onSend(c.id, event, payload)
	}

	if c.bot.cfg.debug {
		c.bot.cfg.logger.Debug().
			Str("chat_id", c.id).
			Str("event", event).
			Interface("payload", payload).
			Msg("sending event")
	}

	return c.transport.Emit(ctx, event, payload)
}

func (c *Channel) markReady() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateReady
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// close stops the read loop and closes the transport. It reports whether
// this call performed the close.
func (c *Channel) close() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	if err := c.transport.Close(); err != nil {
		c.bot.cfg.logger.Debug().Err(err).Str("chat_id", c.id).Msg("close channel")
	}
	return true
}

// readLoop delivers inbound events in order until the transport fails or
// the channel is closed.
func (c *Channel) readLoop() {
	defer c.bot.loops.Done()

	for {
		frame, err := c.transport.Receive(c.ctx)
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.ChatID = c.id
			c.bot.report(pe, "channel - "+c.id)
			continue
		}
		if err != nil {
			c.bot.channelLost(c, err)
			return
		}

		// Observability hook
		if c.bot.cfg.onReceive != nil {
			c.bot.cfg.onReceive(c.id, frame)
		}

		if c.bot.cfg.debug {
			c.bot.cfg.logger.Debug().
				Str("chat_id", c.id).
				Str("event", frame.Event).
				RawJSON("data", frame.Data).
				Msg("received event")
		}

		c.bot.handleChatEvent(c, frame)
	}
}
