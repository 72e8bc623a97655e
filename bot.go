package slchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/slchat-go/slchat/command"
)

// maxConcurrentDials bounds how many sub-channels are opened at once after
// the control roster arrives.
const maxConcurrentDials = 8

// Bot is a chat bot runtime: one control connection plus one sub-channel
// per joined chat, a shared entity cache, a rate-limited outbound gate,
// event waiters and a command registry.
// It is safe for concurrent use by multiple goroutines.
type Bot struct {
	prefix   string
	cfg      config
	cache    *Cache
	waiters  *Waiters
	gate     *Gate
	commands *command.Registry[*Context]

	hookMu sync.RWMutex
	hooks  hooks

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	dialer     Dialer
	api        *API
	control    Transport
	channels   map[string]*Channel
	running    bool
	closed     bool
	controlErr error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	loops     sync.WaitGroup
}

// New creates a bot answering commands that start with prefix.
func New(prefix string, opts ...Option) *Bot {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Bot{
		prefix:   prefix,
		cfg:      cfg,
		cache:    NewCache(),
		waiters:  NewWaiters(),
		gate:     NewGate(cfg.sendInterval, cfg.sendTimeout),
		commands: command.NewRegistry[*Context](),
		ctx:      context.Background(),
		channels: make(map[string]*Channel),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Prefix returns the command prefix.
func (b *Bot) Prefix() string {
	return b.prefix
}

// Cache returns the entity cache.
func (b *Bot) Cache() *Cache {
	return b.cache
}

// Ready is closed once the control roster has been processed and the
// initial sub-channels have been dialed.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

// Done is closed when the control channel stops.
func (b *Bot) Done() <-chan struct{} {
	return b.done
}

// Start connects the control channel and returns once it is established.
// Failing to connect is returned to the caller; every later failure goes to
// the error sink.
func (b *Bot) Start(ctx context.Context, botID, token string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true

	b.dialer = b.cfg.dialer
	if b.dialer == nil {
		b.dialer = NewDialer(b.cfg.host, botID, token, nil)
	}
	b.api = b.cfg.api
	if b.api == nil && b.cfg.dialer == nil {
		b.api = NewAPI(b.cfg.host, botID, token, nil)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	runCtx := b.ctx
	b.mu.Unlock()

	control, err := b.dialer.Dial(runCtx, NamespaceUser, nil)
	if err != nil {
		b.cancel()
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Op: "connect " + NamespaceUser, Err: err}
		}
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		control.Close()
		return ErrClosed
	}
	b.control = control
	b.mu.Unlock()

	b.cfg.logger.Info().Str("prefix", b.prefix).Msg("control channel connected")

	b.loops.Add(1)
	go b.controlLoop(control)

	if b.api != nil {
		b.loops.Add(1)
		go func() {
			defer b.loops.Done()
			b.api.Cache().WipeEvery(runCtx, b.cfg.cacheWipeInterval, b.cfg.logger)
		}()
	}
	return nil
}

// Run starts the bot and blocks until ctx is done or the control channel is
// lost. It returns the control-channel connect error, the error that ended
// the control channel, or nil after a cancellation.
func (b *Bot) Run(ctx context.Context, botID, token string) error {
	if err := b.Start(ctx, botID, token); err != nil {
		return err
	}

	select {
	case <-b.done:
	case <-ctx.Done():
	}

	closeErr := b.Close()

	b.mu.RLock()
	err := b.controlErr
	b.mu.RUnlock()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return closeErr
}

// Close disconnects every channel and waits for the read loops to exit.
// It must not be called from a WithOnReceive callback.
func (b *Bot) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := lo.Values(b.channels)
	b.channels = make(map[string]*Channel)
	control := b.control
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range channels {
		ch.close()
	}

	var err error
	if control != nil {
		err = control.Close()
	}
	b.loops.Wait()
	return err
}

// Channel returns the live sub-channel for chatID.
func (b *Bot) Channel(chatID string) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[chatID]
	return ch, ok
}

// Channels returns the ids of chats with a live sub-channel, sorted.
func (b *Bot) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := lo.Keys(b.channels)
	slices.Sort(ids)
	return ids
}

// controlLoop reads the control channel until it fails or the bot closes.
func (b *Bot) controlLoop(control Transport) {
	defer b.loops.Done()
	defer close(b.done)

	for {
		frame, err := control.Receive(b.ctx)
		var pe *ProtocolError
		if errors.As(err, &pe) {
			b.report(pe, "control")
			continue
		}
		if err != nil {
			if b.ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				b.mu.Lock()
				b.controlErr = err
				b.mu.Unlock()
				b.cfg.logger.Error().Err(err).Msg("control channel lost")
			}
			b.cancel()
			return
		}

		// Observability hook
		if b.cfg.onReceive != nil {
			b.cfg.onReceive("", frame)
		}

		if b.cfg.debug {
			b.cfg.logger.Debug().
				Str("event", frame.Event).
				RawJSON("data", frame.Data).
				Msg("received control event")
		}

		b.handleControl(frame)
	}
}

// handleControl routes a control-channel event.
func (b *Bot) handleControl(frame *Frame) {
	switch frame.Event {
	case EventSetup:
		var data userSetupData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			b.report(&ProtocolError{Event: frame.Event, Err: err}, "setup")
			return
		}
		b.handleRoster(data)

	case EventServerAdd, EventDMAdd:
		kind := lo.Ternary(frame.Event == EventServerAdd, ChatServer, ChatDM)
		var chat Chat
		if err := json.Unmarshal(frame.Data, &chat); err != nil {
			b.report(&ProtocolError{Event: frame.Event, Err: err}, frame.Event)
			return
		}
		chat.Kind = kind
		b.cache.UpsertChat(chat)
		b.cache.AddSelfChat(chat.ID, kind)
		_ = b.openChat(chat.ID, kind)

	case EventServerRemove, EventDMRemove:
		var ref chatRefData
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			b.report(&ProtocolError{Event: frame.Event, Err: err}, frame.Event)
			return
		}
		b.closeChat(ref.ChatID)
		b.cache.RemoveChat(ref.ChatID)

	default:
		b.cfg.logger.Debug().Str("event", frame.Event).Msg("unhandled control event")
	}
}

// handleRoster populates the cache from the control setup and opens one
// sub-channel per chat concurrently.
func (b *Bot) handleRoster(data userSetupData) {
	servers := lo.Map(data.Servers, func(c Chat, _ int) Chat { c.Kind = ChatServer; return c })
	dms := lo.Map(data.DMs, func(c Chat, _ int) Chat { c.Kind = ChatDM; return c })
	chats := append(servers, dms...)

	b.cache.SetSelf(Self{
		User:    data.User,
		Servers: lo.Map(servers, func(c Chat, _ int) string { return c.ID }),
		DMs:     lo.Map(dms, func(c Chat, _ int) string { return c.ID }),
	})
	for _, chat := range chats {
		b.cache.UpsertChat(chat)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentDials)
	for _, chat := range chats {
		chat := chat
		g.Go(func() error {
			_ = b.openChat(chat.ID, chat.Kind)
			return nil
		})
	}
	_ = g.Wait()

	b.cfg.logger.Info().
		Str("user", data.User.Username).
		Int("servers", len(servers)).
		Int("dms", len(dms)).
		Int("connected", len(b.Channels())).
		Msg("roster loaded")

	b.readyOnce.Do(func() { close(b.ready) })
	b.spawn(func(ctx context.Context) {
		if fn := b.hook().onReady; fn != nil {
			fn(ctx)
		}
	})
}

// openChat dials the sub-channel for a chat and starts its read loop. A
// failure is reported and leaves the chat unconnected.
func (b *Bot) openChat(chatID string, kind ChatKind) error {
	if chatID == "" {
		return nil
	}
	b.mu.RLock()
	_, exists := b.channels[chatID]
	closed := b.closed
	dialer := b.dialer
	ctx := b.ctx
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if exists {
		return nil
	}

	t, err := dialer.Dial(ctx, NamespaceChat, chatQuery(chatID, kind))
	if err != nil {
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Op: "connect", ChatID: chatID, Err: err}
		}
		b.report(err, "connect_to_chat - "+chatID)
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		t.Close()
		return ErrClosed
	}
	if _, exists := b.channels[chatID]; exists {
		b.mu.Unlock()
		t.Close()
		return nil
	}
	ch := newChannel(b, chatID, kind, t)
	b.channels[chatID] = ch
	b.loops.Add(1)
	b.mu.Unlock()

	b.cfg.logger.Debug().Str("chat_id", chatID).Str("kind", string(kind)).Msg("chat connected")
	go ch.readLoop()
	return nil
}

// closeChat closes and forgets the sub-channel for chatID.
func (b *Bot) closeChat(chatID string) {
	b.mu.Lock()
	ch, ok := b.channels[chatID]
	delete(b.channels, chatID)
	b.mu.Unlock()

	if ok {
		ch.close()
		b.cfg.logger.Debug().Str("chat_id", chatID).Msg("chat closed")
	}
}

// channelLost handles a sub-channel read failure: the channel is dropped,
// the failure reported and the reconnect policy consulted.
func (b *Bot) channelLost(ch *Channel, err error) {
	if ch.ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	if cur, ok := b.channels[ch.id]; ok && cur == ch {
		delete(b.channels, ch.id)
	}
	b.mu.Unlock()
	ch.close()

	b.report(&ConnectionError{Op: "read", ChatID: ch.id, Err: err}, "channel - "+ch.id)

	for attempt := 1; ; attempt++ {
		delay, retry := b.cfg.reconnect(ch.id, attempt, err)
		if !retry {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, known := b.cache.Chat(ch.id); !known {
			return
		}
		if err = b.openChat(ch.id, ch.kind); err == nil || errors.Is(err, ErrClosed) {
			return
		}
	}
}

// spawn runs fn on its own goroutine with panics reported to the sink.
func (b *Bot) spawn(fn func(ctx context.Context)) {
	ctx := b.ctx
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.report(fmt.Errorf("slchat: handler panic: %v", r), "handler")
			}
		}()
		fn(ctx)
	}()
}

// report forwards a non-fatal failure to the error sink.
func (b *Bot) report(err error, where string) {
	if err == nil {
		return
	}
	if b.cfg.errorSink != nil {
		b.cfg.errorSink(err, where)
		return
	}
	b.cfg.logger.Error().Err(err).Str("where", where).Msg("slchat error")
}
