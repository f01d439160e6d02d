package tgflow

import (
	"strings"
)

// Filter narrows which updates a message handler fires on. Filters compose
// with FilterAnd, FilterOr and FilterNot.
type Filter func(u *Update) bool

// FilterAll matches every update.
func FilterAll(*Update) bool { return true }

// FilterText matches messages with non-empty text that is not a command.
func FilterText(u *Update) bool {
	m := u.EffectiveMessage()
	return m != nil && m.Text != "" && !strings.HasPrefix(m.Text, "/")
}

// FilterCommand matches messages starting with a slash command.
func FilterCommand(u *Update) bool {
	m := u.EffectiveMessage()
	return m != nil && strings.HasPrefix(m.Text, "/")
}

// FilterPrivate matches updates from one-on-one chats.
func FilterPrivate(u *Update) bool {
	c := u.EffectiveChat()
	return c != nil && c.Type == "private"
}

// FilterGroup matches updates from group and supergroup chats.
func FilterGroup(u *Update) bool {
	c := u.EffectiveChat()
	return c != nil && (c.Type == "group" || c.Type == "supergroup")
}

// FilterChats matches updates from the given chat ids only.
func FilterChats(ids ...int64) Filter {
	return func(u *Update) bool {
		c := u.EffectiveChat()
		if c == nil {
			return false
		}
		for _, id := range ids {
			if c.ID == id {
				return true
			}
		}
		return false
	}
}

// FilterUsers matches updates from the given user ids only.
func FilterUsers(ids ...int64) Filter {
	return func(u *Update) bool {
		from := u.EffectiveUser()
		if from == nil {
			return false
		}
		for _, id := range ids {
			if from.ID == id {
				return true
			}
		}
		return false
	}
}

// FilterRegex matches message text against the pattern.
func FilterRegex(pattern any) Filter {
	re := compilePattern(pattern)
	return func(u *Update) bool {
		m := u.EffectiveMessage()
		return m != nil && re.MatchString(m.Text)
	}
}

// FilterExact matches message text equal to s, surrounding space ignored.
func FilterExact(s string) Filter {
	return func(u *Update) bool {
		m := u.EffectiveMessage()
		return m != nil && strings.TrimSpace(m.Text) == s
	}
}

// FilterAnd matches only when all given filters match.
func FilterAnd(filters ...Filter) Filter {
	return func(u *Update) bool {
		for _, f := range filters {
			if !f(u) {
				return false
			}
		}
		return true
	}
}

// FilterOr matches when at least one of the given filters matches.
func FilterOr(filters ...Filter) Filter {
	return func(u *Update) bool {
		for _, f := range filters {
			if f(u) {
				return true
			}
		}
		return false
	}
}

// FilterNot inverts a filter.
func FilterNot(f Filter) Filter {
	return func(u *Update) bool { return !f(u) }
}
