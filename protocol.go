package slchat

import "encoding/json"

// Socket.IO namespaces.
const (
	NamespaceUser = "/user"
	NamespaceChat = "/chat"
)

// Inbound events.
const (
	EventSetup          = "setup"
	EventServerAdd      = "server_add"
	EventServerRemove   = "server_remove"
	EventDMAdd          = "dm_add"
	EventDMRemove       = "dm_remove"
	EventMessageReceive = "message_receive"
	EventMessageChange  = "message_change"
	EventChatChange     = "chat_change"
	EventUserTyping     = "user_typing"
	EventUserAdd        = "user_add"
	EventUserRemove     = "user_remove"
)

// Outbound events.
const (
	EventMessageSend = "message_send"
	EventMessageEdit = "message_edit"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Actions carried by message_edit.
const (
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// --- Requests (Client -> Server) ---

// MessageSendData is the payload of message_send.
type MessageSendData struct {
	Text      string `json:"text"`
	TempToken string `json:"temp_token"`
}

// MessageEditData is the payload of message_edit. Text is omitted for
// deletions.
type MessageEditData struct {
	ID     string  `json:"id"`
	Action string  `json:"action"`
	Text   *string `json:"text,omitempty"`
}

// --- Events (Server -> Client) ---

// userSetupData is the control-channel roster.
type userSetupData struct {
	User    User   `json:"user"`
	Servers []Chat `json:"servers"`
	DMs     []Chat `json:"dms"`
}

// chatSetupData is the membership roster of one chat.
type chatSetupData struct {
	Users []User `json:"users"`
}

// messageReceiveData carries a message plus the echoed correlation token.
// The message is either nested under "message" or inlined, and older
// servers echo the token as "temp" instead of "temp_token".
type messageReceiveData struct {
	Message
	TempToken string
}

func (d *messageReceiveData) UnmarshalJSON(data []byte) error {
	var env struct {
		Message   json.RawMessage `json:"message"`
		TempToken *string         `json:"temp_token"`
		Temp      *string         `json:"temp"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	body := json.RawMessage(data)
	if len(env.Message) > 0 && env.Message[0] == '{' {
		body = env.Message
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	d.Message = msg
	switch {
	case env.TempToken != nil:
		d.TempToken = *env.TempToken
	case env.Temp != nil:
		d.TempToken = *env.Temp
	default:
		d.TempToken = ""
	}
	return nil
}

// messageChangeData is an edit when it carries non-empty text and a
// deletion otherwise.
type messageChangeData struct {
	Message
	HasText bool
}

func (d *messageChangeData) UnmarshalJSON(data []byte) error {
	var env struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	body := json.RawMessage(data)
	if len(env.Message) > 0 && env.Message[0] == '{' {
		body = env.Message
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	d.Message = msg
	d.HasText = msg.Text != ""
	return nil
}

// userRefData is the payload of user_typing and user_remove, which name a
// user either by id or by embedding the user record.
type userRefData struct {
	UserID string
	User   *User
}

func (d *userRefData) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	raw := json.RawMessage(data)
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.User) > 0 {
		raw = wrapped.User
	}

	var u User
	if err := json.Unmarshal(raw, &u); err == nil && u.Username != "" {
		d.UserID = u.ID
		d.User = &u
		return nil
	}
	id, err := decodeID(raw)
	if err != nil {
		return err
	}
	d.UserID = id
	d.User = nil
	return nil
}

// chatRefData names a chat in server_remove and dm_remove.
type chatRefData struct {
	ChatID string
}

func (d *chatRefData) UnmarshalJSON(data []byte) error {
	id, err := decodeID(data)
	if err != nil {
		return err
	}
	d.ChatID = id
	return nil
}
