// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarnathcjd/tgflow/internal/utils"
)

func quietLogger() *utils.Logger {
	return utils.NewLogger("test").SetLevel(utils.ErrorLevel)
}

const stateName State = "NAME"

// registrationConv is the canonical two-step flow used across these tests:
// /start asks for a name, any text answer finishes.
func registrationConv(t *testing.T, cfg ConversationConfig) *Conversation {
	t.Helper()
	if cfg.EntryPoints == nil {
		cfg.EntryPoints = []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				return stateName, nil
			}),
		}
	}
	if cfg.States == nil {
		cfg.States = map[State][]Handler{
			stateName: {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return End, nil
				}),
			},
		}
	}
	cfg.PerChat = true
	cfg.PerUser = true
	cfg.Logger = quietLogger()
	conv, err := NewConversation(cfg)
	require.NoError(t, err)
	return conv
}

func TestConversationRequiresKeyFlag(t *testing.T) {
	_, err := NewConversation(ConversationConfig{})
	require.Error(t, err)
}

func TestConversationFlow(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, ConversationConfig{})
	d.AddHandler(conv)
	key := Key{ChatID: 1, UserID: 7}

	_, active := conv.CurrentState(key)
	assert.False(t, active)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	state, active := conv.CurrentState(key)
	require.True(t, active)
	assert.Equal(t, stateName, state)

	d.ProcessUpdate(msgUpdate(1, 7, "Alice"))
	_, active = conv.CurrentState(key)
	assert.False(t, active)
}

func TestConversationKeysAreIndependent(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, ConversationConfig{})
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 8, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "Alice"))

	_, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	assert.False(t, active)
	state, active := conv.CurrentState(Key{ChatID: 1, UserID: 8})
	require.True(t, active)
	assert.Equal(t, stateName, state)
}

func TestConversationIgnoresForeignUpdatesWhenInactive(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, ConversationConfig{})
	d.AddHandler(conv)

	var fallthroughRan bool
	d.AddHandler(NewMessage(FilterAll, func(ctx *Context) (State, error) {
		fallthroughRan = true
		return StateNone, nil
	}), 1)

	d.ProcessUpdate(msgUpdate(1, 7, "just chatting"))
	_, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	assert.False(t, active)
	assert.True(t, fallthroughRan)
}

func TestConversationReentry(t *testing.T) {
	var entries int
	cfg := ConversationConfig{
		AllowReentry: true,
		EntryPoints: []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				entries++
				return stateName, nil
			}),
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	assert.Equal(t, 2, entries)

	state, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	require.True(t, active)
	assert.Equal(t, stateName, state)
}

func TestConversationNoReentryByDefault(t *testing.T) {
	var entries int
	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				entries++
				return stateName, nil
			}),
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	assert.Equal(t, 1, entries)
}

func TestConversationFallbacks(t *testing.T) {
	var cancelled bool
	cfg := ConversationConfig{
		Fallbacks: []Handler{
			NewCommand("cancel", func(ctx *Context) (State, error) {
				cancelled = true
				return End, nil
			}),
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "/cancel"))

	assert.True(t, cancelled)
	_, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	assert.False(t, active)
}

func TestConversationUndeclaredStateStillCommits(t *testing.T) {
	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				return State("TYPO"), nil
			}),
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	state, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	require.True(t, active)
	assert.Equal(t, State("TYPO"), state)
}

func TestConversationStopSignalEndsDispatch(t *testing.T) {
	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				return stateName, EndGroups
			}),
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	var laterRan bool
	d.AddHandler(NewMessage(FilterAll, func(ctx *Context) (State, error) {
		laterRan = true
		return StateNone, nil
	}), 1)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))

	// the state travels with the signal and is committed before dispatch stops
	state, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	require.True(t, active)
	assert.Equal(t, stateName, state)
	assert.False(t, laterRan)
}

func TestConversationHandlerFaultKeepsState(t *testing.T) {
	cfg := ConversationConfig{
		States: map[State][]Handler{
			stateName: {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return End, assert.AnError
				}),
			},
		},
	}
	d := quietDispatcher(DispatcherConfig{})
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	var got error
	d.AddErrorHandler(func(u *Update, err error) error {
		got = err
		return nil
	})

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "oops"))

	require.ErrorIs(t, got, assert.AnError)
	state, active := conv.CurrentState(Key{ChatID: 1, UserID: 7})
	require.True(t, active)
	assert.Equal(t, stateName, state)
}

func TestConversationPersistenceRoundTrip(t *testing.T) {
	p := NewMemoryPersistence()
	key := Key{ChatID: 1, UserID: 7}

	d1 := quietDispatcher(DispatcherConfig{Persistence: p})
	conv1 := registrationConv(t, ConversationConfig{Name: "registration"})
	d1.AddHandler(conv1)
	d1.ProcessUpdate(msgUpdate(1, 7, "/start"))

	saved, err := p.GetConversations("registration")
	require.NoError(t, err)
	assert.Equal(t, map[Key]State{key: stateName}, saved)

	// a fresh process picks the conversation up mid-flight
	d2 := quietDispatcher(DispatcherConfig{Persistence: p})
	conv2 := registrationConv(t, ConversationConfig{Name: "registration"})
	d2.AddHandler(conv2)

	state, active := conv2.CurrentState(key)
	require.True(t, active)
	assert.Equal(t, stateName, state)

	d2.ProcessUpdate(msgUpdate(1, 7, "Alice"))
	saved, err = p.GetConversations("registration")
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestConversationMapToParent(t *testing.T) {
	childCfg := ConversationConfig{
		PerChat: true,
		PerUser: true,
		Logger:  quietLogger(),
		EntryPoints: []Handler{
			NewCommand("inner", func(ctx *Context) (State, error) {
				return State("ASK"), nil
			}),
		},
		States: map[State][]Handler{
			State("ASK"): {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return State("DONE"), nil
				}),
			},
		},
		MapToParent: map[State]State{
			State("DONE"): State("OUTER_NEXT"),
		},
	}
	child, err := NewConversation(childCfg)
	require.NoError(t, err)

	var finished bool
	parentCfg := ConversationConfig{
		PerChat: true,
		PerUser: true,
		Logger:  quietLogger(),
		EntryPoints: []Handler{
			NewCommand("outer", func(ctx *Context) (State, error) {
				return State("CHILD_STAGE"), nil
			}),
		},
		States: map[State][]Handler{
			State("CHILD_STAGE"): {child},
			State("OUTER_NEXT"): {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					finished = true
					return End, nil
				}),
			},
		},
	}
	parent, err := NewConversation(parentCfg)
	require.NoError(t, err)

	d := quietDispatcher(DispatcherConfig{})
	d.AddHandler(parent)
	key := Key{ChatID: 1, UserID: 7}

	d.ProcessUpdate(msgUpdate(1, 7, "/outer"))
	state, _ := parent.CurrentState(key)
	assert.Equal(t, State("CHILD_STAGE"), state)

	d.ProcessUpdate(msgUpdate(1, 7, "/inner"))
	childState, active := child.CurrentState(key)
	require.True(t, active)
	assert.Equal(t, State("ASK"), childState)
	state, _ = parent.CurrentState(key)
	assert.Equal(t, State("CHILD_STAGE"), state)

	// the child's terminal state maps into the parent and the child ends
	d.ProcessUpdate(msgUpdate(1, 7, "some answer"))
	_, active = child.CurrentState(key)
	assert.False(t, active)
	state, _ = parent.CurrentState(key)
	assert.Equal(t, State("OUTER_NEXT"), state)

	d.ProcessUpdate(msgUpdate(1, 7, "wrap it up"))
	assert.True(t, finished)
	_, active = parent.CurrentState(key)
	assert.False(t, active)
}

func TestConversationTimeout(t *testing.T) {
	jq := NewJobQueue()
	d := quietDispatcher(DispatcherConfig{JobQueue: jq})
	jq.Start()
	defer jq.Stop()

	var timeouts atomic.Int32
	cfg := ConversationConfig{
		ConversationTimeout: 30 * time.Millisecond,
		States: map[State][]Handler{
			stateName: {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return End, nil
				}),
			},
			Timeout: {
				NewTypeHandler(OnAnyUpdate, func(ctx *Context) (State, error) {
					timeouts.Add(1)
					return StateNone, nil
				}),
			},
		},
	}
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)
	key := Key{ChatID: 1, UserID: 7}

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	_, active := conv.CurrentState(key)
	require.True(t, active)

	require.Eventually(t, func() bool {
		_, active := conv.CurrentState(key)
		return !active
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), timeouts.Load())

	// the key is free again for a fresh conversation
	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	state, active := conv.CurrentState(key)
	require.True(t, active)
	assert.Equal(t, stateName, state)
}

func TestConversationTimeoutResetByActivity(t *testing.T) {
	jq := NewJobQueue()
	d := quietDispatcher(DispatcherConfig{JobQueue: jq})
	jq.Start()
	defer jq.Stop()

	var timeouts atomic.Int32
	cfg := ConversationConfig{
		ConversationTimeout: 50 * time.Millisecond,
		States: map[State][]Handler{
			stateName: {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return End, nil
				}),
			},
			Timeout: {
				NewTypeHandler(OnAnyUpdate, func(ctx *Context) (State, error) {
					timeouts.Add(1)
					return StateNone, nil
				}),
			},
		},
	}
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))
	d.ProcessUpdate(msgUpdate(1, 7, "Alice"))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), timeouts.Load())
}

func TestConversationAsyncHandlerAndWaiting(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	release := make(chan struct{})
	var waitingSeen atomic.Int32

	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewCommand("start", func(ctx *Context) (State, error) {
				<-release
				return stateName, nil
			}, NonBlocking()),
		},
		States: map[State][]Handler{
			stateName: {
				NewMessage(FilterText, func(ctx *Context) (State, error) {
					return End, nil
				}),
			},
			Waiting: {
				NewTypeHandler(OnAnyUpdate, func(ctx *Context) (State, error) {
					waitingSeen.Add(1)
					return StateNone, nil
				}),
			},
		},
	}
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)
	key := Key{ChatID: 1, UserID: 7}

	d.ProcessUpdate(msgUpdate(1, 7, "/start"))

	// the entry is in flight: updates for the key hit the waiting handlers
	// and the state table does not move
	d.ProcessUpdate(msgUpdate(1, 7, "too eager"))
	assert.Equal(t, int32(1), waitingSeen.Load())
	state, active := conv.CurrentState(key)
	require.True(t, active)
	assert.Equal(t, StateNone, state)

	close(release)
	require.Eventually(t, func() bool {
		// the next update settles the async result, then runs normally
		d.ProcessUpdate(msgUpdate(1, 7, "Alice"))
		_, active := conv.CurrentState(key)
		return !active
	}, time.Second, 10*time.Millisecond)
}

func TestConversationAsyncNothingAnywhereEnds(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	var entries atomic.Int32

	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewCommand("ping", func(ctx *Context) (State, error) {
				entries.Add(1)
				return StateNone, nil
			}, NonBlocking()),
		},
		States: map[State][]Handler{},
	}
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(msgUpdate(1, 7, "/ping"))

	// no state before, none returned: once the async entry settles the key
	// is free and the entry fires again
	require.Eventually(t, func() bool {
		d.ProcessUpdate(msgUpdate(1, 7, "/ping"))
		return entries.Load() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestConversationSkipsChannelPosts(t *testing.T) {
	d := quietDispatcher(DispatcherConfig{})
	var entered bool
	cfg := ConversationConfig{
		EntryPoints: []Handler{
			NewTypeHandler(OnAnyUpdate, func(ctx *Context) (State, error) {
				entered = true
				return stateName, nil
			}),
		},
	}
	conv := registrationConv(t, cfg)
	d.AddHandler(conv)

	d.ProcessUpdate(&Update{
		ID:          1,
		ChannelPost: &Message{ID: 5, Chat: &Chat{ID: 9, Type: "channel"}, Text: "announcement"},
	})
	assert.False(t, entered)
}

func TestConversationPerMessageNeedsCallbackQuery(t *testing.T) {
	cfg := ConversationConfig{
		PerMessage: true,
		Logger:     quietLogger(),
		EntryPoints: []Handler{
			NewCallbackQuery(nil, func(ctx *Context) (State, error) {
				return stateName, nil
			}),
		},
		States: map[State][]Handler{stateName: {}},
	}
	conv, err := NewConversation(cfg)
	require.NoError(t, err)

	assert.Nil(t, conv.CheckUpdate(msgUpdate(1, 7, "text, not a button")))

	press := &Update{
		ID: 2,
		CallbackQuery: &CallbackQuery{
			ID:      "cb1",
			From:    &User{ID: 7},
			Message: &Message{ID: 33, Chat: &Chat{ID: 1, Type: "private"}},
			Data:    "pick",
		},
	}
	assert.NotNil(t, conv.CheckUpdate(press))
}
