// claude-relay bridges a Telegram chat to Claude Code sessions running in
// tmux panes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/claude-relay/internal/bridge"
	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/permission"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/speech"
	"github.com/asheshgoplani/claude-relay/internal/telegram"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-v", "--version", "version":
			fmt.Printf("claude-relay %s\n", version)
			return
		case "-h", "--help", "help":
			fmt.Println("claude-relay — Telegram bridge for Claude Code sessions in tmux")
			fmt.Println()
			fmt.Println("Usage: claude-relay [doctor|install-hook|version]")
			fmt.Println()
			fmt.Println("Env: TELEGRAM_BOT_TOKEN (required), OPENAI_API_KEY (voice features),")
			fmt.Println("     CLAUDE_CONFIG_DIR, CLAUDE_RELAY_DIR")
			return
		case "doctor":
			runDoctor()
			return
		case "install-hook":
			if err := runInstallHook(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}

	cfgDir := config.DefaultDir()
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("cannot create config dir: %w", err)
	}

	settings := config.LoadSettings(cfgDir)
	logging.Init(logging.Config{
		LogDir:   cfgDir,
		Level:    settings.LogLevel,
		Compress: true,
		Debug:    os.Getenv("CLAUDE_RELAY_DEBUG") != "",
	})
	defer logging.Shutdown()

	log := logging.Logger()

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(cfgDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	cfg := config.Load(cfgDir)
	projectsRoot := sessions.DefaultProjectsRoot()

	tg := telegram.NewClient(token)
	sp := newSpeechClient(settings)
	co := bridge.New(cfgDir, projectsRoot, cfg, settings, tg, sp)

	permBridge, err := permission.NewBridge(cfgDir, co.OnPermissionRequest)
	if err != nil {
		return fmt.Errorf("permission bridge: %w", err)
	}

	commands := make([]telegram.BotCommand, 0, len(bridge.BotCommands))
	for _, c := range bridge.BotCommands {
		commands = append(commands, telegram.BotCommand{Command: c.Command, Description: c.Description})
	}
	if err := tg.SetBotCommands(commands); err != nil {
		log.Warn("set_commands_failed", slog.String("error", err.Error()))
	}

	if chatID := config.LastChatID(cfgDir); chatID != 0 {
		_ = tg.SendMessage(chatID, "🤖 claude-relay is up. /sessions to begin.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		permBridge.Start()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		permBridge.Stop()
		co.Manager().Clear()
		return nil
	})
	g.Go(func() error {
		poller := telegram.NewPoller(tg, settings.PollTimeoutSec, co.HandleUpdate)
		return poller.Run(ctx)
	})

	log.Info("relay_started",
		slog.String("version", version),
		slog.String("cfg_dir", cfgDir),
		slog.String("projects_root", projectsRoot))

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newSpeechClient(s config.Settings) *speech.Client {
	return speech.NewClient(os.Getenv("OPENAI_API_KEY"), s.WhisperModel, s.PolishModel, s.TTSVoice)
}
