// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"regexp"
	"strings"

	"errors"
)

// EndGroups aborts dispatch of the current update: once a callback returns it,
// no handler in any later group runs. Inside a conversation the state returned
// alongside it is still committed before the signal travels on.
var EndGroups = errors.New("[EndGroups] end of handler propagation")

// State is one step of a conversation. User code picks any values it likes;
// the NUL-prefixed sentinels below are reserved and never collide with them.
type State string

const (
	// StateNone means "no transition": the conversation stays where it is.
	StateNone State = ""
	// End closes a conversation; its key is dropped from the state table.
	End State = "\x00end"
	// Timeout keys the handler list consulted when a conversation times out.
	Timeout State = "\x00timeout"
	// Waiting keys the handler list consulted while an async handler for the
	// same conversation key is still in flight.
	Waiting State = "\x00waiting"
)

// Callback is the work half of a handler. The returned State is only
// meaningful inside a conversation; plain dispatch ignores it.
type Callback func(ctx *Context) (State, error)

// Match is the result of a successful predicate check, threaded through to
// the callback via Context.
type Match struct {
	// Groups holds regex capture groups, full match first.
	Groups []string
	// Args holds the whitespace-split arguments after a command.
	Args []string

	// data carries handler-private state from CheckUpdate to HandleUpdate.
	data any
}

// Handler decides whether it wants an update and executes it.
//
// CheckUpdate must be pure: no side effects, nil means "not mine". A panic in
// a predicate is a bug in filter logic and is never recovered by the engine.
// HandleUpdate runs the callback; errors other than EndGroups are routed to
// the dispatcher's error handlers.
type Handler interface {
	CheckUpdate(u *Update) *Match
	HandleUpdate(d *Dispatcher, u *Update, m *Match, ctx *Context) (State, error)
	Blocking() bool
}

// Predicate is the match half of a handler.
type Predicate func(u *Update) *Match

// EventHandler is the one concrete handler type: a predicate plus a callback.
// All the classic handler flavours (command, message, callback query, regex,
// type) are constructors producing different predicates over this same type.
// Immutable after construction.
type EventHandler struct {
	check    Predicate
	callback Callback
	async    bool
}

// HandlerOption configures an EventHandler at construction time.
type HandlerOption func(*EventHandler)

// NonBlocking marks the handler for execution on the async pool. Its callback
// runs off the dispatch path; a wrapping conversation tracks the in-flight
// result and keeps updates for the same key serialized.
func NonBlocking() HandlerOption {
	return func(h *EventHandler) { h.async = true }
}

// NewHandler builds a handler from a raw predicate. The convenience
// constructors below cover the common cases.
func NewHandler(check Predicate, callback Callback, opts ...HandlerOption) *EventHandler {
	h := &EventHandler{check: check, callback: callback}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EventHandler) CheckUpdate(u *Update) *Match {
	return h.check(u)
}

func (h *EventHandler) HandleUpdate(d *Dispatcher, u *Update, m *Match, ctx *Context) (State, error) {
	if ctx == nil {
		ctx = d.NewContext(u)
	}
	ctx.Matches = m.Groups
	ctx.Args = m.Args
	return h.callback(ctx)
}

func (h *EventHandler) Blocking() bool {
	return !h.async
}

// NewCommand matches "/name" (and "!name") at the start of a message,
// optionally suffixed with @botusername, and collects the remaining words
// into Match.Args.
func NewCommand(name string, callback Callback, opts ...HandlerOption) *EventHandler {
	return NewHandler(commandPredicate(name, "/!"), callback, opts...)
}

// NewStringCommand matches a bare prefix command without a slash, e.g. "ping".
func NewStringCommand(name string, callback Callback, opts ...HandlerOption) *EventHandler {
	return NewHandler(commandPredicate(name, ""), callback, opts...)
}

func commandPredicate(name, prefixes string) Predicate {
	return func(u *Update) *Match {
		if u.Message == nil {
			return nil
		}
		fields := strings.Fields(u.Message.Text)
		if len(fields) == 0 {
			return nil
		}
		word := fields[0]
		if prefixes != "" {
			if len(word) < 2 || !strings.ContainsRune(prefixes, rune(word[0])) {
				return nil
			}
			word = word[1:]
		}
		// strip the @botname suffix used in group chats
		if at := strings.IndexByte(word, '@'); at >= 0 {
			word = word[:at]
		}
		if !strings.EqualFold(word, name) {
			return nil
		}
		return &Match{Args: fields[1:]}
	}
}

// NewMessage matches plain message updates passing the given filter.
// Use FilterAll to match every message.
func NewMessage(filter Filter, callback Callback, opts ...HandlerOption) *EventHandler {
	return NewHandler(func(u *Update) *Match {
		if u.Message == nil || u.IsChannelPost() {
			return nil
		}
		if filter != nil && !filter(u) {
			return nil
		}
		return &Match{}
	}, callback, opts...)
}

// NewRegex matches message text against a pattern (a string or a
// *regexp.Regexp) and exposes capture groups through Context.Matches.
func NewRegex(pattern any, callback Callback, opts ...HandlerOption) *EventHandler {
	re := compilePattern(pattern)
	return NewHandler(func(u *Update) *Match {
		if u.Message == nil {
			return nil
		}
		groups := re.FindStringSubmatch(u.Message.Text)
		if groups == nil {
			return nil
		}
		return &Match{Groups: groups}
	}, callback, opts...)
}

// NewCallbackQuery matches callback-query data against a pattern; a nil
// pattern matches every callback query.
func NewCallbackQuery(pattern any, callback Callback, opts ...HandlerOption) *EventHandler {
	var re *regexp.Regexp
	if pattern != nil {
		re = compilePattern(pattern)
	}
	return NewHandler(func(u *Update) *Match {
		if u.CallbackQuery == nil {
			return nil
		}
		if re == nil {
			return &Match{}
		}
		groups := re.FindStringSubmatch(u.CallbackQuery.Data)
		if groups == nil {
			return nil
		}
		return &Match{Groups: groups}
	}, callback, opts...)
}

// NewInlineQuery matches inline queries against a pattern; a nil pattern
// matches all of them.
func NewInlineQuery(pattern any, callback Callback, opts ...HandlerOption) *EventHandler {
	var re *regexp.Regexp
	if pattern != nil {
		re = compilePattern(pattern)
	}
	return NewHandler(func(u *Update) *Match {
		if u.InlineQuery == nil {
			return nil
		}
		if re == nil {
			return &Match{}
		}
		groups := re.FindStringSubmatch(u.InlineQuery.Query)
		if groups == nil {
			return nil
		}
		return &Match{Groups: groups}
	}, callback, opts...)
}

// UpdateType selects the update component a type handler fires on.
type UpdateType int

const (
	OnAnyUpdate UpdateType = iota
	OnMessage
	OnEditedMessage
	OnChannelPost
	OnCallbackQuery
	OnInlineQuery
)

// NewTypeHandler matches updates purely by shape, regardless of content.
func NewTypeHandler(t UpdateType, callback Callback, opts ...HandlerOption) *EventHandler {
	return NewHandler(func(u *Update) *Match {
		var ok bool
		switch t {
		case OnAnyUpdate:
			ok = true
		case OnMessage:
			ok = u.Message != nil
		case OnEditedMessage:
			ok = u.EditedMessage != nil
		case OnChannelPost:
			ok = u.ChannelPost != nil
		case OnCallbackQuery:
			ok = u.CallbackQuery != nil
		case OnInlineQuery:
			ok = u.InlineQuery != nil
		}
		if !ok {
			return nil
		}
		return &Match{}
	}, callback, opts...)
}

func compilePattern(pattern any) *regexp.Regexp {
	switch p := pattern.(type) {
	case string:
		return regexp.MustCompile(p)
	case *regexp.Regexp:
		return p
	default:
		panic("tgflow: pattern must be a string or *regexp.Regexp")
	}
}
