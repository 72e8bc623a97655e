package slchat

import (
	"context"
	"encoding/json"
	"strings"
)

// Waiter event names.
const (
	WaitMessage       = "message"
	WaitMessageEdit   = "message_edit"
	WaitMessageDelete = "message_delete"
	WaitChatChange    = "chat_change"
	WaitTyping        = "typing"
	WaitMemberJoin    = "member_join"
	WaitMemberLeave   = "member_leave"
)

// ChatChange is dispatched when a chat record is replaced.
type ChatChange struct {
	Before  Chat
	After   Chat
	Existed bool
}

// TypingEvent is dispatched when a user starts typing.
type TypingEvent struct {
	ChatID string
	UserID string
	User   *User
}

// MemberEvent is dispatched when a user joins or leaves a server.
type MemberEvent struct {
	ChatID string
	User   User
}

type hooks struct {
	onReady         func(ctx context.Context)
	onMessage       func(ctx context.Context, c *Context)
	onMessageEdit   func(ctx context.Context, c *Context)
	onMessageDelete func(ctx context.Context, c *Context)
	onChatChange    func(ctx context.Context, ev ChatChange)
	onTyping        func(ctx context.Context, ev TypingEvent)
	onMemberJoin    func(ctx context.Context, ev MemberEvent)
	onMemberLeave   func(ctx context.Context, ev MemberEvent)
}

func (b *Bot) hook() hooks {
	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	return b.hooks
}

func (b *Bot) setHook(fn func(h *hooks)) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	fn(&b.hooks)
}

// OnReady runs after the control roster is loaded and the initial chats
// are dialed.
func (b *Bot) OnReady(fn func(ctx context.Context)) {
	b.setHook(func(h *hooks) { h.onReady = fn })
}

// OnMessage runs for every message not sent by a bot account.
func (b *Bot) OnMessage(fn func(ctx context.Context, c *Context)) {
	b.setHook(func(h *hooks) { h.onMessage = fn })
}

// OnMessageEdit runs when a message is edited. Message.Before holds the
// previous text when the server sends it.
func (b *Bot) OnMessageEdit(fn func(ctx context.Context, c *Context)) {
	b.setHook(func(h *hooks) { h.onMessageEdit = fn })
}

// OnMessageDelete runs when a message is deleted.
func (b *Bot) OnMessageDelete(fn func(ctx context.Context, c *Context)) {
	b.setHook(func(h *hooks) { h.onMessageDelete = fn })
}

// OnChatChange runs after a chat record is replaced.
func (b *Bot) OnChatChange(fn func(ctx context.Context, ev ChatChange)) {
	b.setHook(func(h *hooks) { h.onChatChange = fn })
}

// OnTyping runs when a user starts typing.
func (b *Bot) OnTyping(fn func(ctx context.Context, ev TypingEvent)) {
	b.setHook(func(h *hooks) { h.onTyping = fn })
}

// OnMemberJoin runs when a user joins a server.
func (b *Bot) OnMemberJoin(fn func(ctx context.Context, ev MemberEvent)) {
	b.setHook(func(h *hooks) { h.onMemberJoin = fn })
}

// OnMemberLeave runs when a user leaves a server.
func (b *Bot) OnMemberLeave(fn func(ctx context.Context, ev MemberEvent)) {
	b.setHook(func(h *hooks) { h.onMemberLeave = fn })
}

// handleChatEvent applies one sub-channel event. Cache mutations, echo
// correlation and waiter dispatch happen here, on the read loop, before
// any hook or command handler is started.
func (b *Bot) handleChatEvent(ch *Channel, frame *Frame) {
	switch frame.Event {
	case EventSetup:
		b.handleChatSetup(ch, frame)
	case EventMessageReceive:
		b.handleMessageReceive(ch, frame)
	case EventMessageChange:
		b.handleMessageChange(ch, frame)
	case EventChatChange:
		b.handleChatChange(ch, frame)
	case EventUserAdd:
		b.handleUserAdd(ch, frame)
	case EventUserRemove:
		b.handleUserRemove(ch, frame)
	case EventUserTyping:
		b.handleUserTyping(ch, frame)
	default:
		b.cfg.logger.Debug().Str("chat_id", ch.id).Str("event", frame.Event).Msg("unhandled chat event")
	}
}

func (b *Bot) decode(ch *Channel, frame *Frame, v any) bool {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		b.report(&ProtocolError{Event: frame.Event, ChatID: ch.id, Err: err}, frame.Event)
		return false
	}
	return true
}

func (b *Bot) handleChatSetup(ch *Channel, frame *Frame) {
	var data chatSetupData
	if !b.decode(ch, frame, &data) {
		return
	}
	ids := make([]string, 0, len(data.Users))
	for _, u := range data.Users {
		b.cache.UpsertUser(u)
		ids = append(ids, u.ID)
	}
	if ch.kind == ChatServer {
		b.cache.SetMembers(ch.id, ids)
	}
	ch.markReady()
}

func (b *Bot) handleMessageReceive(ch *Channel, frame *Frame) {
	var data messageReceiveData
	if !b.decode(ch, frame, &data) {
		return
	}
	msg := data.Message
	msg.ChatID = ch.id
	msg.Owner = b.resolveOwner(&msg)

	b.gate.Resolve(data.TempToken, &msg)

	if msg.Owner == nil || msg.Owner.IsBot() {
		return
	}

	c := b.newContext(&msg)
	b.waiters.Dispatch(WaitMessage, c)

	isCommand := b.prefix != "" && strings.HasPrefix(msg.Text, b.prefix)
	onMessage := b.hook().onMessage
	b.spawn(func(ctx context.Context) {
		if onMessage != nil {
			onMessage(ctx, c)
		}
		if isCommand {
			b.invokeCommand(ctx, c)
		}
	})
}

func (b *Bot) handleMessageChange(ch *Channel, frame *Frame) {
	var data messageChangeData
	if !b.decode(ch, frame, &data) {
		return
	}
	msg := data.Message
	msg.ChatID = ch.id
	if msg.Owner != nil || msg.OwnerID != "" {
		msg.Owner = b.resolveOwner(&msg)
		if msg.Owner == nil || msg.Owner.IsBot() {
			return
		}
	}

	c := b.newContext(&msg)
	h := b.hook()
	if data.HasText {
		b.waiters.Dispatch(WaitMessageEdit, c)
		if fn := h.onMessageEdit; fn != nil {
			b.spawn(func(ctx context.Context) { fn(ctx, c) })
		}
		return
	}
	b.waiters.Dispatch(WaitMessageDelete, c)
	if fn := h.onMessageDelete; fn != nil {
		b.spawn(func(ctx context.Context) { fn(ctx, c) })
	}
}

func (b *Bot) handleChatChange(ch *Channel, frame *Frame) {
	var chat Chat
	if !b.decode(ch, frame, &chat) {
		return
	}
	chat.ID = ch.id
	if chat.Kind == "" {
		chat.Kind = ch.kind
	}
	before, existed := b.cache.UpsertChat(chat)
	after, _ := b.cache.Chat(ch.id)

	ev := ChatChange{Before: before, After: after, Existed: existed}
	b.waiters.Dispatch(WaitChatChange, ev)
	if fn := b.hook().onChatChange; fn != nil {
		b.spawn(func(ctx context.Context) { fn(ctx, ev) })
	}
}

func (b *Bot) handleUserAdd(ch *Channel, frame *Frame) {
	if ch.kind != ChatServer {
		return
	}
	var ref userRefData
	if !b.decode(ch, frame, &ref) {
		return
	}
	u := User{ID: ref.UserID}
	if ref.User != nil {
		u = *ref.User
		b.cache.UpsertUser(u)
	} else if cached, ok := b.cache.User(ref.UserID); ok {
		u = cached
	}
	b.cache.AddMember(ch.id, u.ID)

	ev := MemberEvent{ChatID: ch.id, User: u}
	b.waiters.Dispatch(WaitMemberJoin, ev)
	if fn := b.hook().onMemberJoin; fn != nil {
		b.spawn(func(ctx context.Context) { fn(ctx, ev) })
	}
}

func (b *Bot) handleUserRemove(ch *Channel, frame *Frame) {
	if ch.kind != ChatServer {
		return
	}
	var ref userRefData
	if !b.decode(ch, frame, &ref) {
		return
	}
	u, ok := b.cache.User(ref.UserID)
	if !ok {
		u = User{ID: ref.UserID}
		if ref.User != nil {
			u = *ref.User
		}
	}

	b.cache.RemoveMember(ch.id, ref.UserID)
	if self, ok := b.cache.Self(); ok && self.ID == ref.UserID {
		b.closeChat(ch.id)
		b.cache.RemoveChat(ch.id)
	} else if !b.cache.Referenced(ref.UserID) {
		b.cache.RemoveUser(ref.UserID)
	}

	ev := MemberEvent{ChatID: ch.id, User: u}
	b.waiters.Dispatch(WaitMemberLeave, ev)
	if fn := b.hook().onMemberLeave; fn != nil {
		b.spawn(func(ctx context.Context) { fn(ctx, ev) })
	}
}

func (b *Bot) handleUserTyping(ch *Channel, frame *Frame) {
	var ref userRefData
	if !b.decode(ch, frame, &ref) {
		return
	}
	ev := TypingEvent{ChatID: ch.id, UserID: ref.UserID, User: ref.User}
	if ev.User == nil {
		if u, ok := b.cache.User(ref.UserID); ok {
			ev.User = &u
		}
	}
	b.waiters.Dispatch(WaitTyping, ev)
	if fn := b.hook().onTyping; fn != nil {
		b.spawn(func(ctx context.Context) { fn(ctx, ev) })
	}
}

// resolveOwner returns the message owner from the payload, the cache or
// the REST fallback, in that order. Failures are reported and yield nil.
// The REST lookup blocks the read loop for at most the owner fetch timeout.
func (b *Bot) resolveOwner(msg *Message) *User {
	if msg.Owner != nil {
		b.cache.UpsertUser(*msg.Owner)
		return msg.Owner
	}
	if msg.OwnerID == "" {
		b.report(&ProtocolError{Event: EventMessageReceive, ChatID: msg.ChatID, Err: ErrUnknownUser}, "message_receive")
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ownerFetchTimeout)
	defer cancel()
	u, err := b.User(ctx, msg.OwnerID)
	if err != nil {
		b.report(err, "fetch")
		return nil
	}
	return &u
}
