package slchat

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Cache is the local mirror of the authenticated account, known chats and
// their membership, populated from realtime events. It is safe for
// concurrent use. Accessors return copies.
type Cache struct {
	mu    sync.RWMutex
	self  *Self
	users map[string]User
	chats map[string]Chat
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		users: make(map[string]User),
		chats: make(map[string]Chat),
	}
}

// SetSelf records the authenticated account and stores it as a user.
func (c *Cache) SetSelf(self Self) {
	c.mu.Lock()
	defer c.mu.Unlock()

	self.User = self.User.clone()
	self.Servers = slices.Clone(self.Servers)
	self.DMs = slices.Clone(self.DMs)
	c.self = &self
	c.users[self.ID] = self.User.clone()
}

// Self returns the authenticated account, or false before setup.
func (c *Cache) Self() (Self, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.self == nil {
		return Self{}, false
	}
	s := *c.self
	s.User = s.User.clone()
	s.Servers = slices.Clone(s.Servers)
	s.DMs = slices.Clone(s.DMs)
	return s, true
}

// UpsertUser inserts u or replaces the cached record with the same id.
func (c *Cache) UpsertUser(u User) {
	if u.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.users[u.ID] = u.clone()
	if c.self != nil && c.self.ID == u.ID {
		c.self.User = u.clone()
	}
}

// UpsertChat replaces the cached chat wholesale and returns the previous
// snapshot, if any. Members are carried over only when the new record
// omits them.
func (c *Cache) UpsertChat(chat Chat) (before Chat, existed bool) {
	if chat.ID == "" {
		return Chat{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.chats[chat.ID]
	next := chat.clone()
	if existed && next.Members == nil && next.Kind == ChatServer {
		next.Members = slices.Clone(prev.Members)
	}
	c.chats[chat.ID] = next
	return prev.clone(), existed
}

// RemoveUser deletes a user. The authenticated account is never removed.
func (c *Cache) RemoveUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.self != nil && c.self.ID == id {
		return
	}
	delete(c.users, id)
}

// RemoveChat deletes a chat and drops it from the account's membership
// lists. It returns the removed snapshot.
func (c *Cache) RemoveChat(id string) (Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.chats[id]
	delete(c.chats, id)
	if c.self != nil {
		c.self.Servers = lo.Without(c.self.Servers, id)
		c.self.DMs = lo.Without(c.self.DMs, id)
	}
	return prev, ok
}

// User returns a cached user.
func (c *Cache) User(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.users[id]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

// UserByUsername looks a user up by username, ignoring case.
func (c *Cache) UserByUsername(name string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := lo.FindKeyBy(c.users, func(_ string, u User) bool {
		return strings.EqualFold(u.Username, name)
	})
	if !ok {
		return User{}, false
	}
	return c.users[u].clone(), true
}

// Chat returns a cached chat.
func (c *Cache) Chat(id string) (Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chat, ok := c.chats[id]
	if !ok {
		return Chat{}, false
	}
	return chat.clone(), true
}

// Users returns every cached user sorted by id.
func (c *Cache) Users() []User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := lo.MapToSlice(c.users, func(_ string, u User) User { return u.clone() })
	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Chats returns cached chats of the given kind sorted by id. An empty kind
// returns all chats.
func (c *Cache) Chats(kind ChatKind) []Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := lo.MapToSlice(c.chats, func(_ string, ch Chat) Chat { return ch.clone() })
	out := lo.Filter(all, func(ch Chat, _ int) bool {
		return kind == "" || ch.Kind == kind
	})
	slices.SortFunc(out, func(a, b Chat) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetMembers replaces the member list of a chat.
func (c *Cache) SetMembers(chatID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chat, ok := c.chats[chatID]
	if !ok {
		return
	}
	chat.Members = lo.Uniq(ids)
	c.chats[chatID] = chat
}

// AddMember adds a user id to a chat's member list.
func (c *Cache) AddMember(chatID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chat, ok := c.chats[chatID]
	if !ok || slices.Contains(chat.Members, userID) {
		return
	}
	chat.Members = append(slices.Clone(chat.Members), userID)
	c.chats[chatID] = chat
}

// RemoveMember drops a user id from a chat's member list.
func (c *Cache) RemoveMember(chatID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chat, ok := c.chats[chatID]
	if !ok {
		return
	}
	chat.Members = lo.Without(chat.Members, userID)
	c.chats[chatID] = chat
}

// AddSelfChat records chatID in the account's server or DM list.
func (c *Cache) AddSelfChat(chatID string, kind ChatKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.self == nil {
		return
	}
	switch kind {
	case ChatServer:
		if !slices.Contains(c.self.Servers, chatID) {
			c.self.Servers = append(c.self.Servers, chatID)
		}
	case ChatDM:
		if !slices.Contains(c.self.DMs, chatID) {
			c.self.DMs = append(c.self.DMs, chatID)
		}
	}
}

// Referenced reports whether any cached chat lists userID as a member.
func (c *Cache) Referenced(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lo.SomeBy(lo.Values(c.chats), func(ch Chat) bool {
		return slices.Contains(ch.Members, userID)
	})
}
