package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/meshgram/cmd/meshgram/internal"
	"github.com/tinyland-inc/meshgram/pkg/bridge"
	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/channels"
	"github.com/tinyland-inc/meshgram/pkg/chunk"
	"github.com/tinyland-inc/meshgram/pkg/config"
	"github.com/tinyland-inc/meshgram/pkg/logger"
	"github.com/tinyland-inc/meshgram/pkg/mesh"
	"github.com/tinyland-inc/meshgram/pkg/msglog"
	"github.com/tinyland-inc/meshgram/pkg/nodes"
)

const configWatchInterval = 5 * time.Second

func bridgeCmd(debug, noConnect bool, logFile string) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		defer f.Close()
		logger.TeeFile(f)
	}

	store, err := internal.LoadStore()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg := store.Current()

	sessionID := uuid.New().String()
	logger.InfoCF("bridge", "Bridge starting", map[string]any{
		"session":  sessionID,
		"version":  internal.FormatVersion(),
		"endpoint": cfg.Endpoint(),
	})

	eventBus := bus.NewEventBus()
	registry := nodes.NewRegistry()
	assembler := chunk.NewAssembler(chunk.DefaultGroupTimeout)
	manager := mesh.NewManager(eventBus, mesh.Options{}, nil)

	chat, err := channels.NewTelegramChannel(store, eventBus)
	if err != nil {
		return fmt.Errorf("error creating telegram channel: %w", err)
	}

	router := bridge.NewRouter(
		eventBus, store, registry, assembler, manager, chat,
		msglog.New(cfg.MessagesDir), bridge.Options{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.OnReload(func(c *config.Config) {
		manager.ApplyConfig(ctx, c)
		logger.InfoCF("bridge", "Configuration applied", map[string]any{
			"keywords": len(c.Keywords),
		})
	})
	go store.Watch(ctx, configWatchInterval)

	if err := chat.Start(ctx); err != nil {
		return fmt.Errorf("error starting telegram channel: %w", err)
	}
	fmt.Println("Telegram channel started")

	go manager.Run(ctx)
	if !noConnect {
		if err := manager.Connect(ctx, cfg.Host, cfg.Port); err != nil {
			// Auto-reconnect keeps trying; /connect from chat also works.
			fmt.Printf("Warning: radio connect failed: %v\n", err)
		} else if cfg.NodeLongName != "" {
			if err := manager.SetLongName(ctx, cfg.NodeLongName); err != nil {
				logger.WarnCF("bridge", "Device rename failed", map[string]any{"error": err.Error()})
			}
		}
	}

	go router.Run(ctx)
	fmt.Printf("Bridge running (radio %s)\n", cfg.Endpoint())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	_ = chat.Stop()
	manager.Disconnect()
	eventBus.Close()
	fmt.Println("Bridge stopped")

	return nil
}
