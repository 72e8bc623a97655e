package slchat

import (
	"context"
	"fmt"
)

// Self returns the authenticated account once the roster has arrived.
func (b *Bot) Self() (Self, bool) {
	return b.cache.Self()
}

// Chat returns a cached chat.
func (b *Bot) Chat(id string) (Chat, bool) {
	return b.cache.Chat(id)
}

// User returns a user from the cache, falling back to the REST API on a
// miss. Fetched users are stored in the cache.
func (b *Bot) User(ctx context.Context, id string) (User, error) {
	if u, ok := b.cache.User(id); ok {
		return u, nil
	}
	api := b.restAPI()
	if api == nil {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	u, err := api.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u.ID == "" {
		u.ID = id
	}
	b.cache.UpsertUser(u)
	return u, nil
}

// UserByUsername returns a cached user by username.
func (b *Bot) UserByUsername(username string) (User, error) {
	if u, ok := b.cache.UserByUsername(username); ok {
		return u, nil
	}
	return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
}

// Server returns a server from the cache, falling back to the REST API.
// Fetched servers live in the transient fetch cache only.
func (b *Bot) Server(ctx context.Context, id string) (Chat, error) {
	if c, ok := b.cache.Chat(id); ok && c.Kind == ChatServer {
		return c, nil
	}
	api := b.restAPI()
	if api == nil {
		return Chat{}, ErrNoAPI
	}
	c, err := api.GetServer(ctx, id)
	if err != nil {
		b.report(err, "fetch")
		return Chat{}, err
	}
	return c, nil
}

// Change updates a profile setting of the bot account.
func (b *Bot) Change(ctx context.Context, key, value string) error {
	api := b.restAPI()
	if api == nil {
		return ErrNoAPI
	}
	if err := api.Change(ctx, key, value); err != nil {
		b.report(err, "change")
		return err
	}
	return nil
}

func (b *Bot) restAPI() *API {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.api != nil {
		return b.api
	}
	return b.cfg.api
}
