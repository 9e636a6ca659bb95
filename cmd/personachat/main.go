// Command personachat chats with personas from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/personachat/internal/logger"
	"github.com/aixgo-dev/personachat/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

type globalFlags struct {
	configFile string
	logMode    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "personachat",
		Short:        "Chat with personas over text and voice",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", getEnv("PERSONACHAT_CONFIG", defaultConfigPath()), "configuration file")
	root.PersistentFlags().StringVar(&flags.logMode, "log-mode", getEnv("LOG_MODE", ""), "log mode: quiet, development or production")

	root.AddCommand(
		newChatCmd(flags),
		newSessionsCmd(flags),
		newSendCmd(flags),
	)
	return root
}

// runWithApp loads the configuration, builds the stack, runs fn and tears
// everything down. SIGINT and SIGTERM cancel fn's context.
func runWithApp(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, *app) error) error {
	cfg, err := config.LoadOrDefault(flags.configFile)
	if err != nil {
		return err
	}
	if flags.logMode != "" {
		cfg.Log.Mode = flags.logMode
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	return fn(ctx, a)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "personachat.yaml"
	}
	return filepath.Join(home, ".personachat", "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
