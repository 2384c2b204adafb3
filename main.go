package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/markis/dify-relay/internal/args"
	"github.com/markis/dify-relay/internal/client"
	"github.com/markis/dify-relay/internal/config"
	"github.com/markis/dify-relay/internal/logging"
	"github.com/markis/dify-relay/internal/render"
	"github.com/markis/dify-relay/internal/server"
	"github.com/markis/dify-relay/internal/stream"
)

// main loads the configuration, then either serves the HTTP relay or
// streams a single answer to the terminal.
func main() {
	if err := run(); err != nil {
		if errors.Is(err, args.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	closer, err := logging.Setup(logger, cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := args.ParseArgs(ctx, *cfg, os.Args[1:])
	if err != nil {
		return err
	}

	if a.Mode == args.ModeServe {
		return serve(ctx, cfg, a, logger)
	}
	return ask(ctx, cfg, a, logger)
}

func serve(ctx context.Context, cfg *config.Config, a args.Arguments, logger *logrus.Logger) error {
	var upstream server.Upstream
	c, err := client.New(cfg.Dify, client.WithLogger(logger))
	switch {
	case errors.Is(err, client.ErrMissingAPIKey):
		logger.Warn("no Dify API key configured, chat and upload requests will fail")
	case err != nil:
		return err
	default:
		upstream = c
	}

	srvCfg := cfg.Server
	srvCfg.Addr = a.Addr
	return server.New(srvCfg, upstream, logger).Run(ctx)
}

func ask(ctx context.Context, cfg *config.Config, a args.Arguments, logger *logrus.Logger) error {
	c, err := client.New(cfg.Dify, client.WithLogger(logger))
	if err != nil {
		return err
	}

	user := a.User
	if user == "" {
		user = client.DefaultUser()
	}

	body, err := c.ChatMessages(ctx, client.ChatRequest{
		Query:          a.Query(),
		Inputs:         a.Inputs,
		User:           user,
		ConversationID: a.ConversationID,
	})
	if err != nil {
		return err
	}

	parser := stream.NewParser(ctx, stream.WithLogger(logger))
	go parser.Process(body)

	renderer := render.NewTerminalRenderer(os.Stdout, a.UsePlainText, cfg.Render.Wrap)
	return renderer.Render(parser.Chunks())
}
