package slchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BadgeBot marks automated accounts. Messages from owners carrying it are
// never dispatched.
const BadgeBot = "bot"

// Badges is the set of badge names on a user. The server has sent badges as
// a list of names, a list of {"name": ...} objects and a name-keyed object;
// all three decode to the same value.
type Badges []string

// Has reports whether the set contains name, ignoring case.
func (b Badges) Has(name string) bool {
	return slices.ContainsFunc(b, func(s string) bool {
		return strings.EqualFold(s, name)
	})
}

func (b *Badges) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make(Badges, 0, len(raw))
		for _, item := range raw {
			var name string
			if err := json.Unmarshal(item, &name); err == nil {
				out = append(out, name)
				continue
			}
			var obj struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return fmt.Errorf("badge: %w", err)
			}
			out = append(out, obj.Name)
		}
		*b = out
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		out := make(Badges, 0, len(obj))
		for name := range obj {
			out = append(out, name)
		}
		slices.Sort(out)
		*b = out
	default:
		return fmt.Errorf("badges: unexpected JSON %q", data)
	}
	return nil
}

// User is a platform account.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Badges      Badges `json:"badges,omitempty"`

	// Extra holds fields the runtime does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

var userFields = []string{"id", "username", "display_name", "avatar", "badges"}

func (u *User) UnmarshalJSON(data []byte) error {
	var p struct {
		ID          json.RawMessage `json:"id"`
		Username    string          `json:"username"`
		DisplayName string          `json:"display_name"`
		Avatar      string          `json:"avatar"`
		Badges      Badges          `json:"badges"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	id, err := decodeID(p.ID)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	extra, err := extraFields(data, userFields)
	if err != nil {
		return err
	}
	*u = User{
		ID:          id,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		Badges:      p.Badges,
		Extra:       extra,
	}
	return nil
}

// IsBot reports whether the account carries the bot badge.
func (u *User) IsBot() bool {
	return u != nil && u.Badges.Has(BadgeBot)
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func (u User) clone() User {
	u.Badges = slices.Clone(u.Badges)
	return u
}

// ChatKind tags a chat as a server or a direct message.
type ChatKind string

const (
	ChatServer ChatKind = "server"
	ChatDM     ChatKind = "dm"
)

// Chat is a server or direct-message conversation.
type Chat struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Kind        ChatKind `json:"type,omitempty"`

	// Members lists user ids. Only maintained for servers.
	Members []string `json:"members,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var chatFields = []string{"id", "name", "description", "icon", "owner", "type", "members"}

func (c *Chat) UnmarshalJSON(data []byte) error {
	type plain struct {
		ID          json.RawMessage   `json:"id"`
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Icon        string            `json:"icon"`
		Owner       json.RawMessage   `json:"owner"`
		Kind        ChatKind          `json:"type"`
		Members     []json.RawMessage `json:"members"`
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	id, err := decodeID(p.ID)
	if err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	owner, err := decodeID(p.Owner)
	if err != nil {
		return fmt.Errorf("chat owner: %w", err)
	}
	var members []string
	if p.Members != nil {
		members = make([]string, 0, len(p.Members))
	}
	for _, m := range p.Members {
		mid, err := decodeID(m)
		if err != nil {
			return fmt.Errorf("chat member: %w", err)
		}
		members = append(members, mid)
	}
	extra, err := extraFields(data, chatFields)
	if err != nil {
		return err
	}
	*c = Chat{
		ID:          id,
		Name:        p.Name,
		Description: p.Description,
		Icon:        p.Icon,
		Owner:       owner,
		Kind:        p.Kind,
		Members:     members,
		Extra:       extra,
	}
	return nil
}

func (c Chat) clone() Chat {
	c.Members = slices.Clone(c.Members)
	return c
}

// Message is a chat message as delivered by the server.
type Message struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Before  string    `json:"before,omitempty"`
	OwnerID string    `json:"owner"`
	ChatID  string    `json:"-"`
	Date    Timestamp `json:"date"`

	// Owner is resolved by the runtime before the message is dispatched.
	Owner *User `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var p struct {
		ID     json.RawMessage `json:"id"`
		Text   *string         `json:"text"`
		Before *string         `json:"before"`
		Owner  json.RawMessage `json:"owner"`
		Date   Timestamp       `json:"date"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	id, err := decodeID(p.ID)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	msg := Message{ID: id, Date: p.Date}
	if p.Text != nil {
		msg.Text = *p.Text
	}
	if p.Before != nil {
		msg.Before = *p.Before
	}

	owner := bytes.TrimSpace(p.Owner)
	if len(owner) > 0 && owner[0] == '{' {
		var u User
		if err := json.Unmarshal(owner, &u); err != nil {
			return fmt.Errorf("message owner: %w", err)
		}
		msg.OwnerID = u.ID
		msg.Owner = &u
	} else {
		if msg.OwnerID, err = decodeID(owner); err != nil {
			return fmt.Errorf("message owner: %w", err)
		}
	}

	*m = msg
	return nil
}

// Timestamp decodes the message date, which arrives either as unix seconds,
// unix milliseconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = ts
			return nil
		}
		data = []byte(s)
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if f > 1e12 {
		t.Time = time.UnixMilli(int64(f)).UTC()
		return nil
	}
	sec := int64(f)
	t.Time = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Self is the authenticated bot account and its chat memberships.
type Self struct {
	User
	Servers []string
	DMs     []string
}

// decodeID accepts an identifier sent as a string, a number or an object
// with an "id" field.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '{':
		var obj struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", err
		}
		return decodeID(obj.ID)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

// extraFields returns the members of a JSON object not named in known.
func extraFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
