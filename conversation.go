// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amarnathcjd/tgflow/internal/utils"
)

// ConversationConfig declares a conversation state machine. At least one of
// PerChat, PerUser and PerMessage must be true; together they decide which
// parts of an update form the conversation key.
type ConversationConfig struct {
	// EntryPoints are tried when the key has no active conversation yet, and
	// again on every update when AllowReentry is set.
	EntryPoints []Handler
	// States maps each state to the handlers valid in it. The Timeout and
	// Waiting sentinels key the handler lists used for timed-out
	// conversations and for updates arriving while an async handler for the
	// same key is still in flight.
	States map[State][]Handler
	// Fallbacks are tried when no handler of the current state matched.
	Fallbacks []Handler

	PerChat    bool
	PerUser    bool
	PerMessage bool

	// AllowReentry lets entry points match even while a conversation for the
	// key is already running.
	AllowReentry bool
	// ConversationTimeout forcibly ends a conversation that receives no
	// update for this long. Requires a JobQueue on the dispatcher.
	ConversationTimeout time.Duration
	// MapToParent translates this conversation's terminal states into states
	// of an enclosing conversation; hitting one ends this conversation and
	// hands the mapped value up.
	MapToParent map[State]State
	// Name identifies the conversation's state table in persistence. Without
	// a name the conversation is never persisted.
	Name string

	Logger *utils.Logger
}

// convEntry is one row of the state table. pending non-nil means an async
// handler is in flight; state then holds the previous state to fall back to.
// A row is never both a plain state and a pending marker.
type convEntry struct {
	state   State
	pending *promise
}

// convCheck carries the resolved sub-handler from CheckUpdate to
// HandleUpdate through the Match payload.
type convCheck struct {
	key     Key
	handler Handler
	match   *Match
	waiting bool
}

// conversationTimeout is the payload of a scheduled timeout job.
type conversationTimeout struct {
	key    Key
	update *Update
	ctx    *Context
}

// Conversation is a handler that owns a per-key state machine and delegates
// each update to the handlers of the key's current state. It nests: a
// Conversation may appear inside another's state lists, popping back out via
// MapToParent.
type Conversation struct {
	entryPoints   []Handler
	stateHandlers map[State][]Handler
	fallbacks     []Handler

	perChat      bool
	perUser      bool
	perMessage   bool
	allowReentry bool
	timeout      time.Duration
	mapToParent  map[State]State
	name         string

	mu    sync.Mutex
	table map[Key]*convEntry

	timeoutMu   sync.Mutex
	timeoutJobs map[Key]*Job

	persistence Persistence
	children    []*Conversation
	log         *utils.Logger
}

// NewConversation validates the configuration and builds the state machine.
func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if !cfg.PerChat && !cfg.PerUser && !cfg.PerMessage {
		return nil, errors.New("at least one of PerChat, PerUser, PerMessage must be true")
	}
	log := cfg.Logger
	if log == nil {
		log = utils.NewLogger("tgflow [conversation]")
	}
	c := &Conversation{
		entryPoints:   cfg.EntryPoints,
		stateHandlers: cfg.States,
		fallbacks:     cfg.Fallbacks,
		perChat:       cfg.PerChat,
		perUser:       cfg.PerUser,
		perMessage:    cfg.PerMessage,
		allowReentry:  cfg.AllowReentry,
		timeout:       cfg.ConversationTimeout,
		mapToParent:   cfg.MapToParent,
		name:          cfg.Name,
		table:         make(map[Key]*convEntry),
		timeoutJobs:   make(map[Key]*Job),
		log:           log,
	}
	if c.stateHandlers == nil {
		c.stateHandlers = make(map[State][]Handler)
	}
	c.collectChildren()
	return c, nil
}

func (c *Conversation) collectChildren() {
	seen := make(map[*Conversation]bool)
	scan := func(hs []Handler) {
		for _, h := range hs {
			if child, ok := h.(*Conversation); ok && !seen[child] {
				seen[child] = true
				c.children = append(c.children, child)
			}
		}
	}
	scan(c.entryPoints)
	for _, hs := range c.stateHandlers {
		scan(hs)
	}
	scan(c.fallbacks)
}

// attach is called by Dispatcher.AddHandler.
func (c *Conversation) attach(d *Dispatcher) {
	if d.persistence != nil {
		c.setPersistence(d.persistence)
	}
}

// setPersistence loads this conversation's saved state table and recursively
// initializes nested conversations from the same store.
func (c *Conversation) setPersistence(p Persistence) {
	c.persistence = p
	if c.name != "" {
		table, err := p.GetConversations(c.name)
		if err != nil {
			c.log.WithError(err).Error("[Persistence] loading conversations %q", c.name)
		} else {
			c.mu.Lock()
			for k, s := range table {
				c.table[k] = &convEntry{state: s}
			}
			c.mu.Unlock()
		}
	}
	for _, child := range c.children {
		child.setPersistence(p)
	}
}

// Blocking is always true: the conversation orchestrates its own async
// sub-handlers and must run on the dispatch path to do so.
func (c *Conversation) Blocking() bool { return true }

// CurrentState reports the live state for a key. Pending async resolutions
// report the state the conversation would fall back to.
func (c *Conversation) CurrentState(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[key]
	if !ok {
		return StateNone, false
	}
	return e.state, true
}

func (c *Conversation) keyFor(u *Update) Key {
	var k Key
	if c.perChat {
		if chat := u.EffectiveChat(); chat != nil {
			k.ChatID = chat.ID
		}
	}
	if c.perUser {
		if user := u.EffectiveUser(); user != nil {
			k.UserID = user.ID
		}
	}
	if c.perMessage {
		if u.CallbackQuery != nil && u.CallbackQuery.Message != nil {
			k.MessageID = u.CallbackQuery.Message.ID
		}
	}
	return k
}

// CheckUpdate resolves the conversation key, settles any finished async work
// for it, and finds the sub-handler responsible for the update.
func (c *Conversation) CheckUpdate(u *Update) *Match {
	if u == nil || u.IsChannelPost() {
		return nil
	}
	if c.perChat && u.EffectiveChat() == nil {
		return nil
	}
	if c.perUser && u.EffectiveUser() == nil {
		return nil
	}
	if c.perMessage && u.CallbackQuery == nil {
		return nil
	}
	if u.CallbackQuery != nil && c.perChat && u.CallbackQuery.Message == nil {
		return nil
	}

	key := c.keyFor(u)

	c.mu.Lock()
	var (
		state  State
		active bool
	)
	if e, ok := c.table[key]; ok {
		if e.pending != nil {
			if e.pending.resolved() {
				if s := c.resolvePendingLocked(key, e); s != End {
					state, active = s, true
				}
			} else {
				c.mu.Unlock()
				// Busy key: only Waiting handlers may see this update, and
				// they never advance the state. Everything else is dropped.
				for _, h := range c.stateHandlers[Waiting] {
					if m := h.CheckUpdate(u); m != nil {
						return convMatch(&convCheck{key: key, handler: h, match: m, waiting: true})
					}
				}
				return nil
			}
		} else {
			state, active = e.state, true
		}
	}
	c.mu.Unlock()

	if !active || c.allowReentry {
		for _, h := range c.entryPoints {
			if m := h.CheckUpdate(u); m != nil {
				return convMatch(&convCheck{key: key, handler: h, match: m})
			}
		}
		if !active {
			return nil
		}
	}
	for _, h := range c.stateHandlers[state] {
		if m := h.CheckUpdate(u); m != nil {
			return convMatch(&convCheck{key: key, handler: h, match: m})
		}
	}
	for _, h := range c.fallbacks {
		if m := h.CheckUpdate(u); m != nil {
			return convMatch(&convCheck{key: key, handler: h, match: m})
		}
	}
	return nil
}

func convMatch(cc *convCheck) *Match {
	return &Match{Groups: cc.match.Groups, Args: cc.match.Args, data: cc}
}

// resolvePendingLocked settles a finished async invocation: success commits
// the returned state, a fault falls back to the previous state, and the
// nothing-anywhere case ends the conversation. Returns the committed state.
func (c *Conversation) resolvePendingLocked(key Key, e *convEntry) State {
	prev := e.state
	next := e.pending.state
	if e.pending.err != nil && !errors.Is(e.pending.err, EndGroups) {
		c.log.WithError(e.pending.err).Debug("async handler failed, keeping previous state")
		next = prev
	}
	if next == StateNone {
		if prev == StateNone {
			next = End
		} else {
			next = prev
		}
	}
	c.commitLocked(next, key)
	return next
}

// HandleUpdate runs the sub-handler resolved by CheckUpdate and commits the
// state transition it produces.
func (c *Conversation) HandleUpdate(d *Dispatcher, u *Update, m *Match, ctx *Context) (State, error) {
	cc, ok := m.data.(*convCheck)
	if !ok {
		return StateNone, errors.New("conversation received a foreign match result")
	}

	// the timeout clock restarts on every interaction
	c.cancelTimeoutJob(cc.key)

	h := cc.handler
	var (
		candidate State
		stop      bool
		pending   *promise
	)
	if h.Blocking() {
		s, err := h.HandleUpdate(d, u, cc.match, ctx)
		switch {
		case err == nil:
			candidate = s
		case errors.Is(err, EndGroups):
			candidate, stop = s, true
		default:
			// state stays untouched, the fault travels to the error handlers
			return StateNone, err
		}
	} else {
		pending = d.runAsync(func() (State, error) {
			return h.HandleUpdate(d, u, cc.match, ctx)
		}, u, false)
	}

	if cc.waiting {
		if stop {
			return StateNone, EndGroups
		}
		return StateNone, nil
	}

	if pending != nil {
		prev := c.storePending(cc.key, pending)
		if c.timeout > 0 && d.jobQueue != nil {
			// scheduling waits for the real state so an already-ended
			// conversation never gets a timeout job
			go func() {
				<-pending.done
				next := pending.state
				if pending.err != nil && !errors.Is(pending.err, EndGroups) {
					next = prev
				}
				if next == StateNone {
					if prev == StateNone {
						next = End
					} else {
						next = prev
					}
				}
				if next != End {
					c.scheduleTimeout(d, cc.key, u, ctx)
				}
			}()
		}
		return StateNone, nil
	}

	mappedParent, mapped := StateNone, false
	if candidate != StateNone && c.mapToParent != nil {
		mappedParent, mapped = c.mapToParent[candidate]
	}

	if c.timeout > 0 && d.jobQueue != nil && candidate != End && !mapped {
		c.scheduleTimeout(d, cc.key, u, ctx)
	}

	if mapped {
		// nested-conversation escape hatch: end here, hand the mapped state
		// up. On a simultaneous stop signal the mapped value wins and the
		// signal is re-raised carrying it.
		c.updateState(End, cc.key)
		if stop {
			return mappedParent, EndGroups
		}
		return mappedParent, nil
	}

	c.updateState(candidate, cc.key)
	if stop {
		// outer dispatch stops too, but conversation-internal state is not
		// its business
		return StateNone, EndGroups
	}
	return StateNone, nil
}

// storePending swaps the key's entry for a pending-result marker and returns
// the previous state it preserves.
func (c *Conversation) storePending(key Key, p *promise) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prev State
	if e, ok := c.table[key]; ok {
		prev = e.state
	}
	c.table[key] = &convEntry{state: prev, pending: p}
	return prev
}

func (c *Conversation) updateState(s State, key Key) {
	c.mu.Lock()
	c.commitLocked(s, key)
	c.mu.Unlock()
}

// commitLocked applies the state-table commit rule. Caller holds c.mu.
func (c *Conversation) commitLocked(s State, key Key) {
	switch s {
	case StateNone:
		// conversation continues unchanged
		return
	case End:
		delete(c.table, key)
		c.cancelTimeoutJob(key)
	default:
		if _, known := c.stateHandlers[s]; !known {
			// surfacing probable typos without crashing; the state is still
			// committed
			c.log.Warn("handler returned state %q which is not declared in States", string(s))
		}
		c.table[key] = &convEntry{state: s}
	}
	c.persist(key, s)
}

func (c *Conversation) persist(key Key, s State) {
	if c.persistence == nil || c.name == "" {
		return
	}
	if err := c.persistence.UpdateConversation(c.name, key, s); err != nil {
		c.log.WithError(err).Error("[Persistence] updating conversation %q", c.name)
	}
}

func (c *Conversation) scheduleTimeout(d *Dispatcher, key Key, u *Update, ctx *Context) {
	data := &conversationTimeout{key: key, update: u, ctx: ctx}
	job := d.jobQueue.RunOnce(c.triggerTimeout, c.timeout, WithName("conversation-timeout"), WithData(data))
	c.timeoutMu.Lock()
	if old, ok := c.timeoutJobs[key]; ok {
		old.ScheduleRemoval()
	}
	c.timeoutJobs[key] = job
	c.timeoutMu.Unlock()
}

func (c *Conversation) cancelTimeoutJob(key Key) {
	c.timeoutMu.Lock()
	if j, ok := c.timeoutJobs[key]; ok {
		j.ScheduleRemoval()
		delete(c.timeoutJobs, key)
	}
	c.timeoutMu.Unlock()
}

// triggerTimeout fires from the job queue when a conversation sat idle for
// the configured duration.
func (c *Conversation) triggerTimeout(jctx *Context) error {
	data, ok := jctx.Job.Data().(*conversationTimeout)
	if !ok {
		return errors.New("timeout job carries no conversation data")
	}

	// a newer interaction may have superseded this job while it raced with
	// firing; only the registered job may act
	c.timeoutMu.Lock()
	if c.timeoutJobs[data.key] != jctx.Job {
		c.timeoutMu.Unlock()
		return nil
	}
	delete(c.timeoutJobs, data.key)
	c.timeoutMu.Unlock()

	for _, h := range c.stateHandlers[Timeout] {
		m := h.CheckUpdate(data.update)
		if m == nil {
			continue
		}
		if _, err := h.HandleUpdate(data.ctx.Dispatcher, data.update, m, data.ctx); err != nil {
			if errors.Is(err, EndGroups) {
				// no dispatch stack exists here to unwind
				c.log.Warn("stop signal raised from a timeout handler, ignored")
			} else {
				c.log.WithError(err).Error("[ConversationTimeout] handler failed")
			}
		}
		break
	}

	c.updateState(End, data.key)
	return nil
}
