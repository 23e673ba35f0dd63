// spar is a terminal client for a debate gym server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
)

// Options are the command line flags. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Server  string `short:"s" long:"server" default:"http://localhost:8080" description:"server base URL"`
	Kind    string `short:"k" long:"kind" default:"debate" choice:"debate" choice:"troll" description:"session kind"`
	Topic   string `short:"t" long:"topic" description:"debate topic for a new session"`
	Persona string `short:"p" long:"persona" description:"persona id for a new session"`
	Page    int    `long:"page" default:"20" description:"messages per history page"`
	Verbose bool   `short:"v" long:"verbose" description:"log client diagnostics to stderr"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout, log); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "spar:", err)
		os.Exit(1)
	}
}
