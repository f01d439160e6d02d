// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"maps"
	"sort"
	"sync"

	"github.com/k0kubun/pp"
	"github.com/pkg/errors"

	"github.com/amarnathcjd/tgflow/internal/utils"
)

// DefaultGroup is where AddHandler puts handlers when no group is given.
const DefaultGroup = 0

// ErrorHandler receives callback faults. Returning EndGroups aborts the rest
// of dispatch for the update, exactly like a callback returning it; any other
// returned error is logged and goes no further.
type ErrorHandler func(u *Update, err error) error

// DispatcherConfig configures a Dispatcher. Everything is optional except the
// pieces your handlers actually use.
type DispatcherConfig struct {
	Bot         Bot
	JobQueue    *JobQueue
	Persistence Persistence
	LogLevel    utils.LogLevel
	Logger      *utils.Logger
	// Debug dumps every incoming update before dispatch.
	Debug bool
	// QueueSize bounds the update channel fed by QueueUpdate. Default 128.
	QueueSize int
}

// Dispatcher owns the handler-group table and routes every update through it.
// Groups are visited in ascending numeric order; within a group only the
// first matching handler runs. It holds no per-update state of its own.
type Dispatcher struct {
	mu            sync.RWMutex
	handlers      map[int][]Handler
	errorHandlers []ErrorHandler

	dataMu   sync.Mutex
	chatData map[int64]map[string]any
	userData map[int64]map[string]any
	botData  map[string]any

	bot         Bot
	jobQueue    *JobQueue
	persistence Persistence
	debug       bool

	updates  chan *Update
	stopChan chan struct{}
	runWG    sync.WaitGroup
	started  bool

	Log *utils.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = utils.NewLogger("tgflow [dispatcher]")
		if cfg.LogLevel != 0 {
			log.SetLevel(cfg.LogLevel)
		}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 128
	}
	d := &Dispatcher{
		handlers:    make(map[int][]Handler),
		chatData:    make(map[int64]map[string]any),
		userData:    make(map[int64]map[string]any),
		botData:     make(map[string]any),
		bot:         cfg.Bot,
		jobQueue:    cfg.JobQueue,
		persistence: cfg.Persistence,
		debug:       cfg.Debug,
		updates:     make(chan *Update, size),
		stopChan:    make(chan struct{}),
		Log:         log,
	}
	if d.jobQueue != nil {
		d.jobQueue.setDispatcher(d)
	}
	if d.persistence != nil {
		d.loadPersistentData()
	}
	d.Log.Debug("dispatcher initialized")
	return d
}

func (d *Dispatcher) loadPersistentData() {
	if chats, err := d.persistence.GetChatData(); err != nil {
		d.Log.WithError(err).Error("[Persistence] loading chat data")
	} else if chats != nil {
		d.chatData = chats
	}
	if users, err := d.persistence.GetUserData(); err != nil {
		d.Log.WithError(err).Error("[Persistence] loading user data")
	} else if users != nil {
		d.userData = users
	}
	if bot, err := d.persistence.GetBotData(); err != nil {
		d.Log.WithError(err).Error("[Persistence] loading bot data")
	} else if bot != nil {
		d.botData = bot
	}
}

// JobQueue returns the scheduler wired into this dispatcher, if any.
func (d *Dispatcher) JobQueue() *JobQueue { return d.jobQueue }

// AddHandler registers a handler into the given group (DefaultGroup when
// omitted). Registering a named Conversation wires the dispatcher's
// persistence into it, including nested conversations.
func (d *Dispatcher) AddHandler(h Handler, group ...int) {
	gp := DefaultGroup
	if len(group) > 0 {
		gp = group[0]
	}
	if conv, ok := h.(*Conversation); ok {
		conv.attach(d)
	}
	d.mu.Lock()
	d.handlers[gp] = append(d.handlers[gp], h)
	d.mu.Unlock()
}

// RemoveHandler drops a previously registered handler from the given group.
func (d *Dispatcher) RemoveHandler(h Handler, group ...int) bool {
	gp := DefaultGroup
	if len(group) > 0 {
		gp = group[0]
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[gp]
	for i, registered := range list {
		if registered == h {
			d.handlers[gp] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// AddErrorHandler registers a receiver for callback faults.
func (d *Dispatcher) AddErrorHandler(h ErrorHandler) {
	d.mu.Lock()
	d.errorHandlers = append(d.errorHandlers, h)
	d.mu.Unlock()
}

// QueueUpdate hands an update to the dispatch loop started by Start.
func (d *Dispatcher) QueueUpdate(u *Update) {
	d.updates <- u
}

// Start launches the dispatch loop: updates queued via QueueUpdate are
// processed one at a time in arrival order.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.runWG.Add(1)
	go func() {
		defer d.runWG.Done()
		for {
			select {
			case <-d.stopChan:
				return
			case u := <-d.updates:
				d.ProcessUpdate(u)
			}
		}
	}()
	d.Log.Info("dispatcher started")
}

// Stop halts the dispatch loop and flushes persistence.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopChan)
	d.runWG.Wait()
	d.stopChan = make(chan struct{})
	if d.persistence != nil {
		if err := d.persistence.Flush(); err != nil {
			d.Log.WithError(err).Error("[Persistence] flush on stop")
		}
	}
	d.Log.Info("dispatcher stopped")
}

// ProcessUpdate routes one update through the handler groups. Safe to call
// directly when no dispatch loop is running.
func (d *Dispatcher) ProcessUpdate(u *Update) {
	if u == nil {
		return
	}
	if d.debug {
		pp.Println(u)
	}

	d.mu.RLock()
	snapshot := make(map[int][]Handler, len(d.handlers))
	maps.Copy(snapshot, d.handlers)
	d.mu.RUnlock()

	groups := make([]int, 0, len(snapshot))
	for gp := range snapshot {
		groups = append(groups, gp)
	}
	sort.Ints(groups)

	var ranSync bool
groups:
	for _, gp := range groups {
		for _, h := range snapshot[gp] {
			m := h.CheckUpdate(u)
			if m == nil {
				continue
			}
			ctx := d.NewContext(u)
			ctx.Matches = m.Groups
			ctx.Args = m.Args

			if !h.Blocking() {
				// Off-loaded handlers flush for themselves on completion.
				d.runAsync(func() (State, error) {
					return h.HandleUpdate(d, u, m, ctx)
				}, u, true)
				continue groups
			}

			ranSync = true
			_, err := d.safeHandle(h, u, m, ctx)
			if err != nil {
				if errors.Is(err, EndGroups) {
					break groups
				}
				if herr := d.dispatchError(u, err); errors.Is(herr, EndGroups) {
					break groups
				}
			}
			continue groups
		}
	}

	if ranSync {
		d.flushUpdate(u)
	}
}

// safeHandle invokes a handler, converting callback panics into errors.
// Predicate panics never pass through here and stay fatal.
func (d *Dispatcher) safeHandle(h Handler, u *Update, m *Match, ctx *Context) (state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in handler callback: %v", r)
		}
	}()
	return h.HandleUpdate(d, u, m, ctx)
}

// dispatchError routes a callback fault through the registered error
// handlers. With none registered the error is logged and dropped. The only
// error this returns is EndGroups.
func (d *Dispatcher) dispatchError(u *Update, err error) error {
	d.mu.RLock()
	handlers := make([]ErrorHandler, len(d.errorHandlers))
	copy(handlers, d.errorHandlers)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.Log.WithError(err).Error("[Dispatcher] no error handlers registered")
		return nil
	}
	for _, eh := range handlers {
		herr := d.safeHandleError(eh, u, err)
		if herr == nil {
			continue
		}
		if errors.Is(herr, EndGroups) {
			return EndGroups
		}
		// a misbehaving error handler must not cascade
		d.Log.WithError(herr).Error("[Dispatcher] error handler failed")
	}
	return nil
}

func (d *Dispatcher) safeHandleError(eh ErrorHandler, u *Update, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in error handler: %v", r)
		}
	}()
	return eh(u, cause)
}

// NewContext builds the per-update carrier handed to callbacks, with the
// chat/user/bot data maps resolved for the update's chat and user.
func (d *Dispatcher) NewContext(u *Update) *Context {
	ctx := &Context{
		Update:     u,
		Bot:        d.bot,
		Dispatcher: d,
		JobQueue:   d.jobQueue,
		BotData:    d.botData,
	}
	d.dataMu.Lock()
	if chat := u.EffectiveChat(); chat != nil {
		if d.chatData[chat.ID] == nil {
			d.chatData[chat.ID] = make(map[string]any)
		}
		ctx.ChatData = d.chatData[chat.ID]
	}
	if user := u.EffectiveUser(); user != nil {
		if d.userData[user.ID] == nil {
			d.userData[user.ID] = make(map[string]any)
		}
		ctx.UserData = d.userData[user.ID]
	}
	d.dataMu.Unlock()
	return ctx
}

// flushUpdate pushes the chat/user/bot data implicated by one update into
// persistence. Scoped on purpose: unrelated chats are not rewritten.
func (d *Dispatcher) flushUpdate(u *Update) {
	if d.persistence == nil {
		return
	}
	d.dataMu.Lock()
	defer d.dataMu.Unlock()
	if chat := u.EffectiveChat(); chat != nil {
		if data, ok := d.chatData[chat.ID]; ok {
			if err := d.persistence.UpdateChatData(chat.ID, data); err != nil {
				d.Log.WithError(err).Error("[Persistence] updating chat data")
			}
		}
	}
	if user := u.EffectiveUser(); user != nil {
		if data, ok := d.userData[user.ID]; ok {
			if err := d.persistence.UpdateUserData(user.ID, data); err != nil {
				d.Log.WithError(err).Error("[Persistence] updating user data")
			}
		}
	}
	if err := d.persistence.UpdateBotData(d.botData); err != nil {
		d.Log.WithError(err).Error("[Persistence] updating bot data")
	}
}

// promise is the engine's pending-result marker for an off-loaded handler
// invocation: done closes once state and err are final.
type promise struct {
	done  chan struct{}
	state State
	err   error
}

func (p *promise) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// runAsync executes fn on its own goroutine with panic recovery. Errors other
// than EndGroups are routed through the error handlers once fn finishes;
// flush additionally runs the update-scoped persistence flush on completion.
func (d *Dispatcher) runAsync(fn func() (State, error), u *Update, flush bool) *promise {
	p := &promise{done: make(chan struct{})}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.err = errors.Errorf("panic in async handler: %v", r)
			}
			close(p.done)
			if p.err != nil && !errors.Is(p.err, EndGroups) {
				if herr := d.dispatchError(u, p.err); herr != nil {
					// nothing left to abort on the async path
					d.Log.Debug("stop signal from error handler after async completion, ignored")
				}
			}
			if flush {
				d.flushUpdate(u)
			}
		}()
		p.state, p.err = fn()
	}()
	return p
}
