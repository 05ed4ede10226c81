package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/auth"
	"github.com/MegaGrindStone/nova-chat/internal/coordinator"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/MegaGrindStone/nova-chat/internal/telemetry"
	"github.com/peterh/liner"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "nova")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	tel, err := telemetry.Setup(context.Background(), telemetry.Options{
		Dir:         filepath.Join(cfgPath, "logs"),
		ServiceName: "nova",
		Level:       cfg.LogLevel,
		Tracing:     cfg.Telemetry,
	})
	if err != nil {
		log.Fatal(fmt.Errorf("error setting up telemetry: %w", err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Printf("Failed to shutdown telemetry: %v", err)
		}
	}()
	logger := tel.Logger

	ac, err := auth.NewContext(auth.NewFileStore(filepath.Join(cfgPath, "credentials.yaml")))
	if err != nil {
		log.Fatal(err)
	}
	client := services.NewClient(cfg.ServerURL, nil, ac, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	// Ctrl+C outside of a prompt stops the streaming reply instead of killing the process.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(cfgPath, "history")
	if f, err := os.Open(historyPath); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			logger.Warn("Failed to read input history", slog.String("err", err.Error()))
		}
		f.Close()
	}
	defer saveHistory(line, historyPath, logger)

	user, err := ensureLogin(ctx, client, ac, line, os.Stdout)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return
		}
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		return
	}
	logger.Info("Logged in", slog.String("userID", string(user.ID)))

	coord := coordinator.New(client, coordinator.Options{
		Settings:    cfg.Settings,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})
	if err := coord.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load conversations: %v\n", err)
		return
	}

	r := repl{
		coord:        coord,
		auth:         ac,
		out:          os.Stdout,
		interrupts:   interrupts,
		pollInterval: 30 * time.Millisecond,
		logger:       logger.With(slog.String("module", "repl")),
	}

	name := user.FullName
	if name == "" {
		name = user.Email
	}
	fmt.Printf("Hello %s. Type /help for commands.\n", name)
	r.printHistory()

	for ctx.Err() == nil {
		input, err := line.Prompt("you> ")
		if err != nil {
			// Ctrl+C or Ctrl+D at the prompt.
			fmt.Println()
			break
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		quit, err := r.handle(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stdout, "! %v\n", err)
		}
		if quit {
			break
		}
	}

	coord.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Wait(waitCtx); err != nil {
		logger.Warn("Reply still running at exit", slog.String("err", err.Error()))
	}
}

func saveHistory(line *liner.State, path string, logger *slog.Logger) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		logger.Warn("Failed to open input history", slog.String("err", err.Error()))
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		logger.Warn("Failed to write input history", slog.String("err", err.Error()))
	}
}
