package slchat

import (
	"context"
	"fmt"
	"strings"

	"github.com/slchat-go/slchat/command"
)

// Handler is a command handler bound to a message Context.
type Handler = command.Handler[*Context]

// Command registers a top-level command.
func (b *Bot) Command(spec command.Spec[*Context]) (*command.Command[*Context], error) {
	return b.commands.Register(spec)
}

// Group registers a top-level command group.
func (b *Bot) Group(spec command.GroupSpec[*Context]) (*command.Group[*Context], error) {
	return b.commands.RegisterGroup(spec)
}

// Commands returns the command registry.
func (b *Bot) Commands() *command.Registry[*Context] {
	return b.commands
}

// invokeCommand resolves the prefixed text of c and runs the command.
// Resolution failures are reported under "message_receive" and handler
// failures under "command: <name>".
func (b *Bot) invokeCommand(ctx context.Context, c *Context) {
	text := strings.TrimPrefix(c.Message.Text, b.prefix)

	inv, err := b.commands.Resolve(text)
	if err != nil {
		b.report(err, "message_receive")
		return
	}
	if inv == nil {
		return
	}

	cc := *c
	cc.Command = inv.Command.QualifiedName()
	cc.InvokedWith = inv.InvokedWith
	cc.InvokedSubcommands = inv.Path

	b.cfg.logger.Debug().
		Str("chat_id", c.Message.ChatID).
		Str("command", cc.Command).
		Msg("invoking command")

	if err := inv.Invoke(ctx, &cc); err != nil {
		b.report(err, "command: "+cc.Command)
	}
}

// UserParam declares a positional parameter bound to a cached user. The
// token may be a username, with or without a leading @, or a user id.
func (b *Bot) UserParam(name string) command.Param {
	return command.Arg(name, command.String).WithConverter(func(raw string) (any, error) {
		key := strings.TrimPrefix(raw, "@")
		if u, ok := b.cache.UserByUsername(key); ok {
			return u, nil
		}
		if u, ok := b.cache.User(key); ok {
			return u, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, raw)
	})
}

// UserArg returns a user bound through UserParam.
func UserArg(args command.Args, name string) (User, bool) {
	u, ok := args.Value(name).(User)
	return u, ok
}
