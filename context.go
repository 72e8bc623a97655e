package slchat

import (
	"context"
	"sync"
	"time"
)

// Context is a message together with the chat it arrived in and the
// operations a handler needs to answer it. Handlers receive their own copy.
type Context struct {
	Message *Message
	Chat    Chat

	// Command is the qualified name of the command being run, if any.
	Command string

	// InvokedWith is the name or alias the command was called by.
	InvokedWith string

	// InvokedSubcommands lists the subcommands descended through.
	InvokedSubcommands []string

	bot *Bot
}

func (b *Bot) newContext(msg *Message) *Context {
	chat, ok := b.cache.Chat(msg.ChatID)
	if !ok {
		chat = Chat{ID: msg.ChatID}
		if ch, live := b.Channel(msg.ChatID); live {
			chat.Kind = ch.Kind()
		}
	}
	return &Context{Message: msg, Chat: chat, bot: b}
}

// Bot returns the runtime that produced the context.
func (c *Context) Bot() *Bot {
	return c.bot
}

// Text returns the message text.
func (c *Context) Text() string {
	return c.Message.Text
}

// Author returns the resolved message owner, or nil.
func (c *Context) Author() *User {
	return c.Message.Owner
}

// Send sends text to the chat the message came from.
func (c *Context) Send(ctx context.Context, text string, opts ...SendOption) (*Context, error) {
	return c.bot.Send(ctx, c.Message.ChatID, text, opts...)
}

// Reply sends text to the same chat, mentioning the author.
func (c *Context) Reply(ctx context.Context, text string, opts ...SendOption) (*Context, error) {
	if u := c.Message.Owner; u != nil && u.Username != "" {
		text = "@" + u.Username + " " + text
	}
	return c.bot.Send(ctx, c.Message.ChatID, text, opts...)
}

// Edit replaces the message text. Only the bot's own messages can be
// edited.
func (c *Context) Edit(ctx context.Context, text string) error {
	return c.bot.Edit(ctx, c.Message.ChatID, c.Message.ID, text)
}

// Delete removes the message.
func (c *Context) Delete(ctx context.Context) error {
	return c.bot.Delete(ctx, c.Message.ChatID, c.Message.ID)
}

// Typing shows the typing indicator in the chat until Stop is called.
func (c *Context) Typing(ctx context.Context) (*TypingIndicator, error) {
	return c.bot.Typing(ctx, c.Message.ChatID)
}

// TypingIndicator is an active typing notification.
type TypingIndicator struct {
	bot    *Bot
	chatID string
	once   sync.Once
	err    error
}

// Stop clears the indicator. It emits stop_typing at most once.
func (t *TypingIndicator) Stop(ctx context.Context) error {
	t.once.Do(func() {
		t.err = t.bot.emit(ctx, t.chatID, EventStopTyping, nil, "stop_typing")
	})
	return t.err
}

// Typing emits typing in chatID and returns the indicator to stop it.
func (b *Bot) Typing(ctx context.Context, chatID string) (*TypingIndicator, error) {
	if err := b.emit(ctx, chatID, EventTyping, nil, "typing"); err != nil {
		return nil, err
	}
	return &TypingIndicator{bot: b, chatID: chatID}, nil
}

// Send emits text in chatID under the shared rate limit and waits for the
// server echo. It returns (nil, nil) when the echo does not arrive in time.
// A chat without a live sub-channel fails with ErrNotInChat before anything
// is emitted.
func (b *Bot) Send(ctx context.Context, chatID, text string, opts ...SendOption) (*Context, error) {
	cfg := sendConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch, ok := b.Channel(chatID)
	if !ok {
		err := &SendError{Op: "send", ChatID: chatID, Err: ErrNotInChat}
		b.report(err, "send")
		return nil, err
	}

	msg, err := b.gate.Send(ctx, ch, chatID, cfg.composeText(text))
	if err != nil {
		if ctx.Err() == nil {
			b.report(err, "send")
		}
		return nil, err
	}
	if msg == nil {
		b.cfg.logger.Warn().
			Str("chat_id", chatID).
			Dur("timeout", b.cfg.sendTimeout).
			Msg("timeout waiting for message confirmation")
		return nil, nil
	}
	return b.newContext(msg), nil
}

// Edit replaces the text of a message in chatID.
func (b *Bot) Edit(ctx context.Context, chatID, messageID, text string) error {
	return b.emit(ctx, chatID, EventMessageEdit, MessageEditData{ID: messageID, Action: ActionEdit, Text: &text}, "edit")
}

// Delete removes a message in chatID.
func (b *Bot) Delete(ctx context.Context, chatID, messageID string) error {
	return b.emit(ctx, chatID, EventMessageEdit, MessageEditData{ID: messageID, Action: ActionDelete}, "delete")
}

// emit sends a non-correlated event, reporting failures under where.
func (b *Bot) emit(ctx context.Context, chatID, event string, payload any, where string) error {
	ch, ok := b.Channel(chatID)
	if !ok {
		err := &SendError{Op: where, ChatID: chatID, Err: ErrNotInChat}
		b.report(err, where)
		return err
	}
	if err := ch.Emit(ctx, event, payload); err != nil {
		serr := &SendError{Op: where, ChatID: chatID, Err: err}
		b.report(serr, where)
		return serr
	}
	return nil
}

// WaitFor blocks until event is dispatched with a payload accepted by pred.
// A zero timeout waits until ctx is done.
func (b *Bot) WaitFor(ctx context.Context, event string, pred Predicate, timeout time.Duration) (any, error) {
	return b.waiters.WaitFor(ctx, event, pred, timeout)
}

// WaitForMessage waits for the next message accepted by pred.
func (b *Bot) WaitForMessage(ctx context.Context, pred func(*Context) bool, timeout time.Duration) (*Context, error) {
	var p Predicate
	if pred != nil {
		p = func(v any) bool {
			c, ok := v.(*Context)
			return ok && pred(c)
		}
	}
	v, err := b.waiters.WaitFor(ctx, WaitMessage, p, timeout)
	if err != nil {
		return nil, err
	}
	c, ok := v.(*Context)
	if !ok {
		return nil, ErrUnexpectedEvent
	}
	return c, nil
}
