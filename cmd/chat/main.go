package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/harborline/opchat/connection"
	"github.com/harborline/opchat/history"
	"github.com/harborline/opchat/model"
	"github.com/harborline/opchat/service"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)

	var (
		wsHost    = fs.StringP("ws-host", "w", "localhost:8888", "websocket room host")
		apiURL    = fs.StringP("api-url", "a", "http://localhost:8080", "history api base url")
		roomID    = fs.StringP("room", "r", "", "room to join")
		email     = fs.StringP("email", "e", "", "user email")
		name      = fs.StringP("name", "n", "", "user display name")
		secure    = fs.Bool("secure", false, "use wss")
		reconnect = fs.Bool("reconnect", false, "redial with backoff after a dropped connection")
		logLevel  = fs.StringP("log-level", "l", "warn", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" || *email == "" {
		logger.Fatal().Msg("--room and --email are required")
	}
	if *name == "" {
		*name = *email
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Logger: &logger,
		History: history.NewClient(history.Config{
			Logger:  &logger,
			BaseURL: *apiURL,
		}),
		Connect: func() service.Connection {
			return connection.NewManager(connection.Config{
				Logger: &logger,
				Host:   *wsHost,
				Secure: *secure,
			})
		},
		Reconnect: *reconnect,
	})

	printCtx, stopPrinter := context.WithCancel(context.Background())
	defer stopPrinter()
	go printUpdates(printCtx, svc)

	svc.ActivateRoom(context.Background(), *roomID, model.Identity{Email: *email, Name: *name})
	defer svc.Deactivate()

	deb := service.NewTypingDebouncer(service.DefaultTypingWindow, svc.NotifyTyping)
	defer deb.Stop()

	fmt.Printf("joined %s as %s  (/private <text>, /typing, /debug, /quit)\n", *roomID, *name)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/typing":
			fmt.Printf("typing: %s\n", strings.Join(svc.ActiveUsers(), ", "))
		case line == "/debug":
			spew.Dump(svc.Snapshot())
		case strings.HasPrefix(line, "/private "):
			deb.Keystroke()
			svc.SendMessage(strings.TrimPrefix(line, "/private "), model.VisibilityPrivate)
			deb.Flush()
		default:
			deb.Keystroke()
			svc.SendMessage(line, model.VisibilityPublic)
			deb.Flush()
		}
	}
}

// printUpdates renders transcript growth and presence changes as the
// coordinator signals them.
func printUpdates(ctx context.Context, svc *service.Service) {
	var (
		printed    int
		lastTyping string
		warned     bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-svc.Updates():
		}

		snap := svc.Snapshot()
		if len(snap) < printed {
			printed = 0 // room switched or re-seeded shorter
		}
		for _, m := range snap[printed:] {
			visibility := ""
			if !m.Public {
				visibility = " (private)"
			}
			fmt.Printf("%s>%s %s\n", m.SenderName, visibility, m.Content)
		}
		printed = len(snap)

		if typing := strings.Join(svc.ActiveUsers(), ", "); typing != lastTyping {
			lastTyping = typing
			if typing != "" {
				fmt.Printf("[%s typing...]\n", typing)
			}
		}

		if err := svc.ConnError(); err != nil && !warned {
			warned = true
			fmt.Printf("! %v\n", err)
		} else if err == nil {
			warned = false
		}
	}
}
