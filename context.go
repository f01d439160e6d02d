package tgflow

import "github.com/pkg/errors"

var errNoChat = errors.New("update carries no chat to respond into")

// Context is handed to every callback. All fields are always present (possibly
// empty) rather than injected conditionally; a callback never has to guess
// which extras its registration flavour provides.
//
// ChatData, UserData and BotData are shared mutable maps scoped to the
// update's chat, the update's user, and the whole bot. The engine does not
// lock them for you: with the default one-update-at-a-time dispatch loop they
// are safe, concurrent transports make their synchronization the callback
// author's problem.
type Context struct {
	Update     *Update
	Bot        Bot
	Dispatcher *Dispatcher
	JobQueue   *JobQueue

	// Job is set only for job-queue callbacks.
	Job *Job

	// Matches holds regex capture groups from the matched predicate.
	Matches []string
	// Args holds the words following a matched command.
	Args []string

	ChatData map[string]any
	UserData map[string]any
	BotData  map[string]any

	// Error is set only for error-handler invocations.
	Error error
}

// Respond sends a plain text reply into the update's chat.
func (c *Context) Respond(text string) (*Message, error) {
	chat := c.Update.EffectiveChat()
	if chat == nil || c.Bot == nil {
		return nil, errNoChat
	}
	return c.Bot.SendMessage(chat.ID, text)
}
