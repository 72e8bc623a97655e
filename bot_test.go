package slchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slchat-go/slchat/command"
)

type emission struct {
	Event   string
	Payload any
}

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	emitted []emission
	events  chan *Frame
	errs    chan error
	closed  bool
	emitErr error

	// Channel signaled when an event is emitted
	onEmit chan emission
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan *Frame, 100),
		errs:   make(chan error, 1),
		onEmit: make(chan emission, 100),
	}
}

func (m *mockTransport) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.emitErr != nil {
		return m.emitErr
	}
	e := emission{Event: event, Payload: payload}
	m.emitted = append(m.emitted, e)

	select {
	case m.onEmit <- e:
	default:
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-m.errs:
		return nil, err
	case frame, ok := <-m.events:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		t.Fatalf("push %s on closed transport", event)
	}
	m.events <- frame(t, event, data)
}

func (m *mockTransport) fail(err error) {
	m.errs <- err
}

func (m *mockTransport) getEmitted() []emission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]emission(nil), m.emitted...)
}

// waitForEmit waits for an event to be emitted and returns it.
func (m *mockTransport) waitForEmit(t *testing.T, timeout time.Duration) emission {
	t.Helper()
	select {
	case e := <-m.onEmit:
		return e
	case <-time.After(timeout):
		t.Fatal("timeout waiting for emit")
		return emission{}
	}
}

// mockDialer hands out mockTransports, one per dial.
type mockDialer struct {
	mu         sync.Mutex
	control    *mockTransport
	controlErr error
	chats      map[string]*mockTransport
	fail       map[string]error
	queries    map[string]url.Values
	dials      map[string]int
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		control: newMockTransport(),
		chats:   make(map[string]*mockTransport),
		fail:    make(map[string]error),
		queries: make(map[string]url.Values),
		dials:   make(map[string]int),
	}
}

func (d *mockDialer) Dial(ctx context.Context, namespace string, query url.Values) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if namespace == NamespaceUser {
		if d.controlErr != nil {
			return nil, d.controlErr
		}
		return d.control, nil
	}

	id := query.Get("id")
	d.dials[id]++
	d.queries[id] = query
	if err := d.fail[id]; err != nil {
		return nil, err
	}
	t := newMockTransport()
	d.chats[id] = t
	return t, nil
}

func (d *mockDialer) chat(t *testing.T, id string) *mockTransport {
	t.Helper()
	var tr *mockTransport
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		tr = d.chats[id]
		return tr != nil
	}, time.Second, time.Millisecond, "chat %s never dialed", id)
	return tr
}

func (d *mockDialer) dialCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

type sinkEntry struct {
	err   error
	where string
}

// sinkRecorder collects reported errors.
type sinkRecorder struct {
	entries chan sinkEntry
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{entries: make(chan sinkEntry, 100)}
}

func (s *sinkRecorder) sink(err error, where string) {
	s.entries <- sinkEntry{err: err, where: where}
}

func (s *sinkRecorder) waitFor(t *testing.T, where string) error {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-s.entries:
			if e.where == where {
				return e.err
			}
		case <-deadline:
			t.Fatalf("no error reported under %q", where)
			return nil
		}
	}
}

func frame(t *testing.T, event string, data any) *Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &Frame{Event: event, Data: raw}
}

var testRoster = map[string]any{
	"user": map[string]any{"id": "u0", "username": "helper", "badges": []string{"bot"}},
	"servers": []any{
		map[string]any{"id": "s1", "name": "Server One", "owner": "u1"},
	},
	"dms": []any{
		map[string]any{"id": "d1"},
	},
}

var testMembers = map[string]any{
	"users": []any{
		map[string]any{"id": "u0", "username": "helper", "badges": []string{"bot"}},
		map[string]any{"id": "u1", "username": "alice"},
		map[string]any{"id": "u2", "username": "bob"},
		map[string]any{"id": "u9", "username": "otherbot", "badges": []any{map[string]string{"name": "BOT"}}},
	},
}

type testBot struct {
	*Bot
	dialer *mockDialer
	errs   *sinkRecorder
}

// startBot runs a bot against a mock dialer, loads the roster and the s1
// membership, and waits until both are applied.
func startBot(t *testing.T, opts ...Option) *testBot {
	t.Helper()
	dialer := newMockDialer()
	errs := newSinkRecorder()

	opts = append([]Option{WithDialer(dialer), WithErrorSink(errs.sink)}, opts...)
	bot := New("!", opts...)
	require.NoError(t, bot.Start(context.Background(), "u0", "secret"))
	t.Cleanup(func() { bot.Close() })

	dialer.control.push(t, EventSetup, testRoster)
	select {
	case <-bot.Ready():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for roster")
	}

	dialer.chat(t, "s1").push(t, EventSetup, testMembers)
	ch, ok := bot.Channel("s1")
	require.True(t, ok)
	select {
	case <-ch.Ready():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat setup")
	}
	return &testBot{Bot: bot, dialer: dialer, errs: errs}
}

func TestBot_RosterOpensChannels(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)

	req.Equal([]string{"d1", "s1"}, tb.Channels())

	q := tb.dialer.queries["s1"]
	req.Equal("server", q.Get("type"))
	req.Equal("s1", q.Get("id"))
	req.Equal("online", q.Get("status"))
	req.Equal("dm", tb.dialer.queries["d1"].Get("type"))

	self, ok := tb.Self()
	req.True(ok)
	req.Equal("helper", self.Username)
	req.Equal([]string{"s1"}, self.Servers)
	req.Equal([]string{"d1"}, self.DMs)

	chat, ok := tb.Chat("s1")
	req.True(ok)
	req.Equal(ChatServer, chat.Kind)
	req.ElementsMatch([]string{"u0", "u1", "u2", "u9"}, chat.Members)

	ch, _ := tb.Channel("s1")
	req.Equal(StateReady, ch.State())
	dm, _ := tb.Channel("d1")
	req.Equal(StateConnecting, dm.State())
}

func TestBot_StartTwice(t *testing.T) {
	tb := startBot(t)
	require.ErrorIs(t, tb.Start(context.Background(), "u0", "secret"), ErrAlreadyRunning)
}

func TestBot_SendCorrelatesEcho(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	go func() {
		e := s1.waitForEmit(t, time.Second)
		data := e.Payload.(MessageSendData)
		// An unrelated echo must not resolve the send.
		s1.push(t, EventMessageReceive, map[string]any{
			"message":    map[string]any{"id": "m0", "text": "other", "owner": "u0"},
			"temp_token": "not-ours",
		})
		s1.push(t, EventMessageReceive, map[string]any{
			"message": map[string]any{"id": "m1", "text": data.Text, "owner": "u0"},
			"temp":    data.TempToken,
		})
	}()

	c, err := tb.Send(context.Background(), "s1", "hello")
	req.NoError(err)
	req.NotNil(c)
	req.Equal("m1", c.Message.ID)
	req.Equal("hello", c.Text())
	req.Equal("s1", c.Chat.ID)
	req.Equal("u0", c.Author().ID)
	req.Zero(tb.gate.Pending())

	emitted := s1.getEmitted()
	req.Len(emitted, 1)
	req.Equal(EventMessageSend, emitted[0].Event)
}

func TestBot_SendSpacingAcrossChats(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	var stamps []time.Time

	tb := startBot(t,
		WithSendTimeout(50*time.Millisecond),
		WithOnSend(func(_, event string, _ any) {
			if event != EventMessageSend {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			stamps = append(stamps, time.Now())
		}),
	)
	tb.dialer.chat(t, "s1")
	tb.dialer.chat(t, "d1")

	sendErrs := make(chan error, 2)
	for _, id := range []string{"s1", "d1"} {
		id := id
		go func() {
			_, err := tb.Send(context.Background(), id, "hi "+id)
			sendErrs <- err
		}()
	}
	req.NoError(<-sendErrs)
	req.NoError(<-sendErrs)

	mu.Lock()
	defer mu.Unlock()
	req.Len(stamps, 2)
	req.GreaterOrEqual(stamps[1].Sub(stamps[0]), MinSendInterval)
}

func TestBot_SendWithEmbed(t *testing.T) {
	tb := startBot(t, WithSendTimeout(50*time.Millisecond))
	s1 := tb.dialer.chat(t, "s1")

	go func() {
		_, _ = tb.Send(context.Background(), "s1", "look", WithEmbed(textFormatter("|embed\n|end")))
	}()

	e := s1.waitForEmit(t, time.Second)
	require.Equal(t, "look\n|embed\n|end", e.Payload.(MessageSendData).Text)
}

func TestBot_SendNotInChat(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)

	c, err := tb.Send(context.Background(), "c2", "hello")
	req.Nil(c)
	req.ErrorIs(err, ErrNotInChat)

	var serr *SendError
	req.ErrorAs(err, &serr)
	req.Equal("c2", serr.ChatID)

	reported := tb.errs.waitFor(t, "send")
	req.ErrorIs(reported, ErrNotInChat)

	req.Empty(tb.dialer.chat(t, "s1").getEmitted())
	req.Empty(tb.dialer.chat(t, "d1").getEmitted())
}

func TestBot_SendTimeout(t *testing.T) {
	req := require.New(t)
	tb := startBot(t, WithSendTimeout(50*time.Millisecond))

	start := time.Now()
	c, err := tb.Send(context.Background(), "s1", "nobody hears this")
	req.NoError(err)
	req.Nil(c)
	req.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
	req.Zero(tb.gate.Pending())
}

func TestBot_SendEmitError(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	boom := errors.New("broken pipe")
	s1.mu.Lock()
	s1.emitErr = boom
	s1.mu.Unlock()

	_, err := tb.Send(context.Background(), "s1", "hello")
	req.ErrorIs(err, boom)
	req.ErrorIs(tb.errs.waitFor(t, "send"), boom)
	req.Zero(tb.gate.Pending())
}

func TestBot_BotMessagesSuppressed(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	authors := make(chan string, 2)
	_, err := tb.Command(command.Spec[*Context]{
		Name: "ping",
		Handler: func(_ context.Context, c *Context, _ command.Args) error {
			authors <- c.Author().ID
			return nil
		},
	})
	req.NoError(err)

	waited := make(chan *Context, 1)
	go func() {
		c, err := tb.WaitForMessage(context.Background(), nil, time.Second)
		if err == nil {
			waited <- c
		}
	}()
	req.Eventually(func() bool { return tb.waiters.Len(WaitMessage) == 1 }, time.Second, time.Millisecond)

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "!ping", "owner": "u9"}})
	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m2", "text": "!ping", "owner": "u1"}})

	select {
	case c := <-waited:
		req.Equal("m2", c.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter never fulfilled")
	}

	select {
	case id := <-authors:
		req.Equal("u1", id)
	case <-time.After(time.Second):
		t.Fatal("command never ran")
	}
	select {
	case id := <-authors:
		t.Fatalf("command ran again for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBot_PrefixCommand(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	type result struct {
		c    *Context
		args command.Args
	}
	results := make(chan result, 1)

	role, err := tb.Group(command.GroupSpec[*Context]{Name: "role"})
	req.NoError(err)
	_, err = role.AddCommand(command.Spec[*Context]{
		Name:    "add",
		Aliases: []string{"give"},
		Params:  []command.Param{tb.UserParam("user"), command.Rest("reason", command.String)},
		Handler: func(_ context.Context, c *Context, args command.Args) error {
			results <- result{c: c, args: args}
			return nil
		},
	})
	req.NoError(err)

	s1.push(t, EventMessageReceive, map[string]any{
		"message": map[string]any{"id": "m1", "text": `!role give @Bob "be nice"`, "owner": "u1"},
	})

	select {
	case r := <-results:
		req.Equal("role add", r.c.Command)
		req.Equal("role", r.c.InvokedWith)
		req.Equal([]string{"add"}, r.c.InvokedSubcommands)
		u, ok := UserArg(r.args, "user")
		req.True(ok)
		req.Equal("u2", u.ID)
		req.Equal([]string{"be nice"}, r.args.Strings("reason"))
	case <-time.After(time.Second):
		t.Fatal("command never ran")
	}
}

func TestBot_SlowOwnerFetchBounded(t *testing.T) {
	req := require.New(t)
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	tb := startBot(t, WithAPI(api), WithOwnerFetchTimeout(50*time.Millisecond))
	s1 := tb.dialer.chat(t, "s1")

	got := make(chan *Context, 1)
	tb.OnMessage(func(_ context.Context, c *Context) { got <- c })

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "who", "owner": "u77"}})
	req.ErrorIs(tb.errs.waitFor(t, "fetch"), context.DeadlineExceeded)

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m2", "text": "me", "owner": "u1"}})
	select {
	case c := <-got:
		req.Equal("m2", c.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("read loop still blocked on owner fetch")
	}
}

func TestBot_CommandErrorsReported(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	boom := errors.New("boom")
	_, err := tb.Command(command.Spec[*Context]{
		Name:    "fail",
		Handler: func(context.Context, *Context, command.Args) error { return boom },
	})
	req.NoError(err)

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "!nope", "owner": "u1"}})
	req.ErrorIs(tb.errs.waitFor(t, "message_receive"), command.ErrUnknownCommand)

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m2", "text": "!fail", "owner": "u1"}})
	reported := tb.errs.waitFor(t, "command: fail")
	req.ErrorIs(reported, boom)
	var herr *command.HandlerError
	req.ErrorAs(reported, &herr)
}

func TestBot_UnknownOwnerReported(t *testing.T) {
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "hi", "owner": "u404"}})
	require.ErrorIs(t, tb.errs.waitFor(t, "fetch"), ErrUnknownUser)
}

func TestBot_ChatChange(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	got := make(chan any, 1)
	go func() {
		v, err := tb.WaitFor(context.Background(), WaitChatChange, nil, time.Second)
		if err == nil {
			got <- v
		}
	}()
	req.Eventually(func() bool { return tb.waiters.Len(WaitChatChange) == 1 }, time.Second, time.Millisecond)

	s1.push(t, EventChatChange, map[string]any{"id": "elsewhere", "name": "Renamed", "icon": "x.png"})

	select {
	case v := <-got:
		ev := v.(ChatChange)
		req.True(ev.Existed)
		req.Equal("Server One", ev.Before.Name)
		req.Equal("u1", ev.Before.Owner)
		req.Equal("s1", ev.After.ID)
		req.Equal("Renamed", ev.After.Name)
		req.Empty(ev.After.Owner)
		req.Len(ev.After.Members, 4)
	case <-time.After(time.Second):
		t.Fatal("chat change never dispatched")
	}

	chat, _ := tb.Chat("s1")
	req.Equal("Renamed", chat.Name)
	_, ok := tb.Chat("elsewhere")
	req.False(ok)
}

func TestBot_ServerAddAndRemove(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)

	tb.dialer.control.push(t, EventServerAdd, map[string]any{"id": "s2", "name": "Two"})
	s2 := tb.dialer.chat(t, "s2")
	req.Eventually(func() bool { _, ok := tb.Channel("s2"); return ok }, time.Second, time.Millisecond)
	self, _ := tb.Self()
	req.Equal([]string{"s1", "s2"}, self.Servers)

	tb.dialer.control.push(t, EventServerRemove, "s2")
	req.Eventually(func() bool { _, ok := tb.Channel("s2"); return !ok }, time.Second, time.Millisecond)
	req.True(s2.isClosed())

	_, ok := tb.Chat("s2")
	req.False(ok)
	self, _ = tb.Self()
	req.Equal([]string{"s1"}, self.Servers)
}

func TestBot_MemberJoinAndLeave(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	joined := make(chan MemberEvent, 1)
	left := make(chan MemberEvent, 1)
	tb.OnMemberJoin(func(_ context.Context, ev MemberEvent) { joined <- ev })
	tb.OnMemberLeave(func(_ context.Context, ev MemberEvent) { left <- ev })

	s1.push(t, EventUserAdd, map[string]any{"id": "u3", "username": "carol"})
	select {
	case ev := <-joined:
		req.Equal("carol", ev.User.Username)
	case <-time.After(time.Second):
		t.Fatal("join never dispatched")
	}
	chat, _ := tb.Chat("s1")
	req.Contains(chat.Members, "u3")

	s1.push(t, EventUserRemove, "u3")
	select {
	case ev := <-left:
		req.Equal("carol", ev.User.Username)
	case <-time.After(time.Second):
		t.Fatal("leave never dispatched")
	}
	_, ok := tb.Cache().User("u3")
	req.False(ok)
}

func TestBot_SelfRemovedClosesChat(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	s1.push(t, EventUserRemove, map[string]any{"user": "u0"})
	req.Eventually(func() bool { _, ok := tb.Channel("s1"); return !ok }, time.Second, time.Millisecond)
	_, ok := tb.Chat("s1")
	req.False(ok)
	_, ok = tb.Cache().User("u0")
	req.True(ok)
}

func TestBot_EditAndDelete(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")
	ctx := context.Background()

	req.NoError(tb.Edit(ctx, "s1", "m1", "fixed"))
	e := s1.waitForEmit(t, time.Second)
	req.Equal(EventMessageEdit, e.Event)
	data := e.Payload.(MessageEditData)
	req.Equal(ActionEdit, data.Action)
	req.Equal("fixed", *data.Text)

	req.NoError(tb.Delete(ctx, "s1", "m1"))
	data = s1.waitForEmit(t, time.Second).Payload.(MessageEditData)
	req.Equal(ActionDelete, data.Action)
	req.Nil(data.Text)

	req.ErrorIs(tb.Edit(ctx, "c2", "m1", "x"), ErrNotInChat)
	req.ErrorIs(tb.errs.waitFor(t, "edit"), ErrNotInChat)
}

func TestBot_MessageChange(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	edits := make(chan *Context, 1)
	deletes := make(chan *Context, 1)
	tb.OnMessageEdit(func(_ context.Context, c *Context) { edits <- c })
	tb.OnMessageDelete(func(_ context.Context, c *Context) { deletes <- c })

	s1.push(t, EventMessageChange, map[string]any{"id": "m1", "text": "new", "before": "old", "owner": "u1"})
	s1.push(t, EventMessageChange, map[string]any{"message": map[string]any{"id": "m2", "text": ""}})

	select {
	case c := <-edits:
		req.Equal("m1", c.Message.ID)
		req.Equal("old", c.Message.Before)
		req.Equal("alice", c.Author().Username)
	case <-time.After(time.Second):
		t.Fatal("edit never dispatched")
	}
	select {
	case c := <-deletes:
		req.Equal("m2", c.Message.ID)
		req.Nil(c.Author())
	case <-time.After(time.Second):
		t.Fatal("delete never dispatched")
	}
}

func TestBot_MessageChangeUnknownOwnerDropped(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	edits := make(chan *Context, 2)
	tb.OnMessageEdit(func(_ context.Context, c *Context) { edits <- c })

	s1.push(t, EventMessageChange, map[string]any{"id": "m1", "text": "sneaky", "owner": "u77"})
	req.ErrorIs(tb.errs.waitFor(t, "fetch"), ErrUnknownUser)
	s1.push(t, EventMessageChange, map[string]any{"id": "m2", "text": "fixed", "owner": "u1"})

	select {
	case c := <-edits:
		req.Equal("m2", c.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("edit never dispatched")
	}
	select {
	case c := <-edits:
		t.Fatalf("unexpected edit %s", c.Message.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBot_TypingStopOnce(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")
	ctx := context.Background()

	ind, err := tb.Typing(ctx, "s1")
	req.NoError(err)
	req.Equal(EventTyping, s1.waitForEmit(t, time.Second).Event)

	req.NoError(ind.Stop(ctx))
	req.NoError(ind.Stop(ctx))
	req.Equal(EventStopTyping, s1.waitForEmit(t, time.Second).Event)
	req.Len(s1.getEmitted(), 2)
}

func TestBot_TypingEvent(t *testing.T) {
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	got := make(chan TypingEvent, 1)
	tb.OnTyping(func(_ context.Context, ev TypingEvent) { got <- ev })
	s1.push(t, EventUserTyping, "u1")

	select {
	case ev := <-got:
		require.Equal(t, "s1", ev.ChatID)
		require.NotNil(t, ev.User)
		require.Equal(t, "alice", ev.User.Username)
	case <-time.After(time.Second):
		t.Fatal("typing never dispatched")
	}
}

func TestBot_ChatDialFailureReported(t *testing.T) {
	req := require.New(t)
	dialer := newMockDialer()
	boom := errors.New("handshake refused")
	dialer.fail["d1"] = boom
	errs := newSinkRecorder()

	bot := New("!", WithDialer(dialer), WithErrorSink(errs.sink))
	req.NoError(bot.Start(context.Background(), "u0", "secret"))
	defer bot.Close()

	dialer.control.push(t, EventSetup, testRoster)
	<-bot.Ready()

	reported := errs.waitFor(t, "connect_to_chat - d1")
	req.ErrorIs(reported, boom)
	var cerr *ConnectionError
	req.ErrorAs(reported, &cerr)
	req.Equal("d1", cerr.ChatID)
	req.Equal([]string{"s1"}, bot.Channels())

	_, err := bot.Send(context.Background(), "d1", "hello")
	req.ErrorIs(err, ErrNotInChat)
}

func TestBot_ControlDialFailure(t *testing.T) {
	req := require.New(t)
	dialer := newMockDialer()
	boom := errors.New("connection refused")
	dialer.controlErr = boom

	bot := New("!", WithDialer(dialer))
	err := bot.Run(context.Background(), "u0", "secret")
	req.ErrorIs(err, boom)
	var cerr *ConnectionError
	req.ErrorAs(err, &cerr)
}

func TestBot_ControlLostEndsRun(t *testing.T) {
	req := require.New(t)
	dialer := newMockDialer()
	bot := New("!", WithDialer(dialer))

	done := make(chan error, 1)
	go func() { done <- bot.Run(context.Background(), "u0", "secret") }()

	dialer.control.push(t, EventSetup, testRoster)
	<-bot.Ready()
	s1 := dialer.chat(t, "s1")

	boom := errors.New("connection reset")
	dialer.control.fail(boom)

	select {
	case err := <-done:
		req.ErrorIs(err, boom)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	req.True(s1.isClosed())
	req.ErrorIs(bot.Start(context.Background(), "u0", "secret"), ErrClosed)
}

func TestBot_RunCancel(t *testing.T) {
	dialer := newMockDialer()
	bot := New("!", WithDialer(dialer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx, "u0", "secret") }()

	dialer.control.push(t, EventSetup, testRoster)
	<-bot.Ready()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBot_ChannelLostReconnects(t *testing.T) {
	req := require.New(t)
	tb := startBot(t, WithReconnectPolicy(ConstantBackoff(10*time.Millisecond, 1)))
	first := tb.dialer.chat(t, "s1")

	boom := errors.New("read timeout")
	first.fail(boom)

	req.ErrorIs(tb.errs.waitFor(t, "channel - s1"), boom)
	req.Eventually(func() bool { return tb.dialer.dialCount("s1") == 2 }, time.Second, time.Millisecond)
	req.Eventually(func() bool {
		ch, ok := tb.Channel("s1")
		return ok && ch.transport != Transport(first)
	}, time.Second, time.Millisecond)
	req.True(first.isClosed())
}

func TestBot_ChannelLostNoReconnect(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	first := tb.dialer.chat(t, "s1")

	first.fail(errors.New("read timeout"))
	tb.errs.waitFor(t, "channel - s1")
	req.Eventually(func() bool { _, ok := tb.Channel("s1"); return !ok }, time.Second, time.Millisecond)
	req.Equal(1, tb.dialer.dialCount("s1"))

	// The chat stays cached; only the connection is gone.
	_, ok := tb.Chat("s1")
	req.True(ok)
}

func TestBot_BadFrameKeepsChannel(t *testing.T) {
	req := require.New(t)
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	got := make(chan *Context, 1)
	tb.OnMessage(func(_ context.Context, c *Context) { got <- c })

	s1.fail(&ProtocolError{Event: "frame", Err: errors.New("unsupported packet type '5'")})
	var perr *ProtocolError
	req.ErrorAs(tb.errs.waitFor(t, "channel - s1"), &perr)
	req.Equal("s1", perr.ChatID)

	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "still here", "owner": "u1"}})
	select {
	case c := <-got:
		req.Equal("still here", c.Text())
	case <-time.After(time.Second):
		t.Fatal("message after bad frame never dispatched")
	}

	_, ok := tb.Channel("s1")
	req.True(ok)
	req.False(s1.isClosed())
	req.Equal(1, tb.dialer.dialCount("s1"))
}

func TestBot_HandlerPanicReported(t *testing.T) {
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	tb.OnMessage(func(context.Context, *Context) { panic("kaboom") })
	s1.push(t, EventMessageReceive, map[string]any{"message": map[string]any{"id": "m1", "text": "hi", "owner": "u1"}})
	require.ErrorContains(t, tb.errs.waitFor(t, "handler"), "kaboom")
}

func TestBot_BadPayloadReported(t *testing.T) {
	tb := startBot(t)
	s1 := tb.dialer.chat(t, "s1")

	s1.push(t, EventMessageReceive, []int{1, 2})
	var perr *ProtocolError
	require.ErrorAs(t, tb.errs.waitFor(t, EventMessageReceive), &perr)
	require.Equal(t, "s1", perr.ChatID)
}

func TestBot_OnSendOnReceive(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	var sent, received []string

	tb := startBot(t,
		WithOnSend(func(chatID, event string, _ any) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, chatID+":"+event)
		}),
		WithOnReceive(func(chatID string, f *Frame) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, chatID+":"+f.Event)
		}),
	)

	_, err := tb.Typing(context.Background(), "d1")
	req.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	req.Equal([]string{"d1:typing"}, sent)
	req.Contains(received, ":setup")
	req.Contains(received, "s1:setup")
}
