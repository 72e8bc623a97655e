// Package slchat is a realtime bot runtime for the slchat platform.
//
// A [Bot] keeps one control connection (the /user namespace) and one
// sub-channel per joined server or direct message (the /chat namespace).
// Inbound events update a shared [Cache], are offered to [Waiters] and, for
// messages starting with the bot prefix, resolved by a command registry
// from the command package. Outbound messages pass through a [Gate] that
// spaces sends at least 750ms apart across all chats and correlates each
// send with its server echo.
//
// # Thread Safety
//
// [Bot], [Cache], [Waiters] and [Gate] are safe for concurrent use by
// multiple goroutines. Events of one chat are applied in delivery order;
// hooks and command handlers run on their own goroutines, so a handler may
// await its own echo.
//
// # Basic Usage
//
//	bot := slchat.New("!", slchat.WithLogger(logger))
//
//	_, err := bot.Command(command.Spec[*slchat.Context]{
//	    Name:   "echo",
//	    Params: []command.Param{command.KeywordOnly("text", command.String)},
//	    Handler: func(ctx context.Context, c *slchat.Context, args command.Args) error {
//	        _, err := c.Send(ctx, args.String("text"))
//	        return err
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := bot.Run(ctx, botID, token); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
// Only a failure to connect the control channel is returned from
// [Bot.Run]. Everything else, from a chat that cannot be dialed to a
// panicking command, is passed to the [ErrorSink] set with
// [WithErrorSink], labelled with the operation that failed.
package slchat
