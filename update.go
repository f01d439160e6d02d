// Copyright (c) 2024, amarnathcjd

package tgflow

// User is the sender of an update, as reported by the transport layer.
type User struct {
	ID       int64
	Username string
	Bot      bool
}

// Chat is the chat an update belongs to.
type Chat struct {
	ID    int64
	Type  string
	Title string
}

// Message carries the parts of a message the engine routes on. The full
// Telegram message object lives in the transport layer; handlers that need
// more keep a reference to it through Update.Raw.
type Message struct {
	ID   int64
	Chat *Chat
	From *User
	Text string
}

// CallbackQuery is an inline keyboard button press.
type CallbackQuery struct {
	ID      string
	From    *User
	Message *Message
	Data    string
}

// InlineQuery is an inline-mode query typed after the bot username.
type InlineQuery struct {
	ID    string
	From  *User
	Query string
}

// Update is one inbound event from the transport layer. Exactly one of the
// payload fields is set. Updates are immutable once received; the engine and
// all handlers share read access to the same value.
type Update struct {
	ID            int64
	Message       *Message
	EditedMessage *Message
	ChannelPost   *Message
	CallbackQuery *CallbackQuery
	InlineQuery   *InlineQuery

	// Raw holds the transport-specific update object, untouched by the engine.
	Raw any
}

// EffectiveMessage returns the message carried by the update, following
// callback queries down to the message they were attached to.
func (u *Update) EffectiveMessage() *Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Message
	}
	return nil
}

// EffectiveChat returns the chat the update happened in, if any.
func (u *Update) EffectiveChat() *Chat {
	if m := u.EffectiveMessage(); m != nil {
		return m.Chat
	}
	return nil
}

// EffectiveUser returns the user the update originates from, if any.
func (u *Update) EffectiveUser() *User {
	switch {
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	case u.InlineQuery != nil:
		return u.InlineQuery.From
	}
	if m := u.EffectiveMessage(); m != nil {
		return m.From
	}
	return nil
}

// IsChannelPost reports whether the update is a channel post. Channel posts
// never participate in conversations.
func (u *Update) IsChannelPost() bool {
	return u.ChannelPost != nil
}

// Bot is the send side of the transport layer, injected into every Context.
// The engine itself never calls it; it exists so callbacks can answer updates
// without reaching for global state.
type Bot interface {
	SendMessage(chatID int64, text string) (*Message, error)
}
