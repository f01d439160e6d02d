// Copyright (c) 2024, amarnathcjd

// Command echobot runs the dispatch engine against a console transport:
// lines typed on stdin become message updates, replies print to stdout.
// It wires together the config loader, the sqlite persistence backend and
// the job queue, so a killed session resumes mid-conversation on restart.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amarnathcjd/tgflow"
	"github.com/amarnathcjd/tgflow/config"
	"github.com/amarnathcjd/tgflow/internal/utils"
	"github.com/amarnathcjd/tgflow/storage"
)

// consoleBot is the send side of the console transport.
type consoleBot struct{}

func (consoleBot) SendMessage(chatID int64, text string) (*tgflow.Message, error) {
	fmt.Printf("[bot -> %d] %s\n", chatID, text)
	return &tgflow.Message{Chat: &tgflow.Chat{ID: chatID}, Text: text}, nil
}

const (
	stateName State = "NAME"
	stateAge  State = "AGE"
)

type State = tgflow.State

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := utils.NewLogger("echobot").SetLevel(utils.LevelFromString(cfg.Logging.Level))

	var persistence tgflow.Persistence
	if cfg.Storage.Driver == "sqlite" {
		db, err := storage.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			log.WithError(err).Error("opening persistence database")
			os.Exit(1)
		}
		defer db.Close()
		persistence = db
	} else {
		persistence = tgflow.NewMemoryPersistence()
	}

	jq := tgflow.NewJobQueue()
	d := tgflow.NewDispatcher(tgflow.DispatcherConfig{
		Bot:         consoleBot{},
		JobQueue:    jq,
		Persistence: persistence,
		Logger:      log.WithPrefix("echobot [dispatcher]"),
		Debug:       cfg.Bot.Debug,
		QueueSize:   cfg.Bot.QueueSize,
	})

	registration, err := tgflow.NewConversation(tgflow.ConversationConfig{
		Name:                "registration",
		PerChat:             true,
		PerUser:             true,
		ConversationTimeout: 2 * time.Minute,
		EntryPoints: []tgflow.Handler{
			tgflow.NewCommand("register", func(ctx *tgflow.Context) (State, error) {
				ctx.Respond("What is your name?")
				return stateName, nil
			}),
		},
		States: map[State][]tgflow.Handler{
			stateName: {
				tgflow.NewMessage(tgflow.FilterText, func(ctx *tgflow.Context) (State, error) {
					ctx.UserData["name"] = ctx.Update.Message.Text
					ctx.Respond("And your age?")
					return stateAge, nil
				}),
			},
			stateAge: {
				tgflow.NewRegex(`^\d+$`, func(ctx *tgflow.Context) (State, error) {
					ctx.Respond(fmt.Sprintf("Registered %v, age %s. Done!",
						ctx.UserData["name"], ctx.Update.Message.Text))
					return tgflow.End, nil
				}),
			},
			tgflow.Timeout: {
				tgflow.NewTypeHandler(tgflow.OnAnyUpdate, func(ctx *tgflow.Context) (State, error) {
					ctx.Respond("Registration timed out, start over with /register.")
					return tgflow.StateNone, nil
				}),
			},
		},
		Fallbacks: []tgflow.Handler{
			tgflow.NewCommand("cancel", func(ctx *tgflow.Context) (State, error) {
				ctx.Respond("Cancelled.")
				return tgflow.End, nil
			}),
		},
	})
	if err != nil {
		log.WithError(err).Error("building registration conversation")
		os.Exit(1)
	}

	d.AddHandler(registration)
	d.AddHandler(tgflow.NewCommand("ping", func(ctx *tgflow.Context) (State, error) {
		ctx.Respond("pong")
		return tgflow.StateNone, nil
	}), 1)
	d.AddHandler(tgflow.NewMessage(tgflow.FilterText, func(ctx *tgflow.Context) (State, error) {
		ctx.Respond(ctx.Update.Message.Text)
		return tgflow.StateNone, nil
	}), 2)
	d.AddErrorHandler(func(u *tgflow.Update, err error) error {
		log.WithError(err).Error("handler fault")
		return nil
	})

	if cfg.Scheduler.Enabled {
		jq.Start()
		defer jq.Stop()
		jq.RunRepeating(func(ctx *tgflow.Context) error {
			log.Debug("heartbeat, %d reminder jobs live", len(ctx.JobQueue.JobsByName("reminder")))
			return nil
		}, time.Minute, tgflow.WithName("heartbeat"))
	}

	d.Start()
	defer d.Stop()
	log.Info("echobot running, type messages on stdin, /register to start a flow")

	go readConsole(d)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

func readConsole(d *tgflow.Dispatcher) {
	scanner := bufio.NewScanner(os.Stdin)
	var id int64
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		id++
		d.QueueUpdate(&tgflow.Update{
			ID: id,
			Message: &tgflow.Message{
				ID:   id,
				Chat: &tgflow.Chat{ID: 1, Type: "private"},
				From: &tgflow.User{ID: 1, Username: "console"},
				Text: text,
			},
		})
	}
}
