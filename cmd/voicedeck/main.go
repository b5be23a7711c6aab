// Package main provides the entry point for voicedeck.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voicedeck/voicedeck/internal/avatars"
	"github.com/voicedeck/voicedeck/internal/config"
	"github.com/voicedeck/voicedeck/internal/console"
	"github.com/voicedeck/voicedeck/internal/control"
	"github.com/voicedeck/voicedeck/internal/session"
	"github.com/voicedeck/voicedeck/internal/state"
	"github.com/voicedeck/voicedeck/internal/statefile"
)

var (
	configPath    string
	stateFilePath string
	deviceSet     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voicedeck",
	Short: "Mirror the local Discord client's voice channel state",
	Long:  "Connects to the local Discord client over its RPC socket and mirrors the current voice channel: who is in it, who is muted, deafened or talking.",
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the voice channel roster on every change",
	RunE:  runWatch,
}

var statefileCmd = &cobra.Command{
	Use:   "statefile",
	Short: "Rewrite a state file on every voice channel change",
	RunE:  runStateFile,
}

var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "One-shot queries and controls against the Discord client",
}

var channelCmd = &cobra.Command{
	Use:       "channel {id|name|useridlist|usernamelist|move <channel-id>}",
	Short:     "Query the current voice channel or move to another one",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"id", "name", "useridlist", "usernamelist", "move"},
	RunE:      runChannel,
}

var devicesCmd = &cobra.Command{
	Use:       "devices {mute|deaf}",
	Short:     "Read or change the mute and deafen flags",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"mute", "deaf"},
	RunE:      runDevices,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (optional)")

	statefileCmd.Flags().StringVarP(&stateFilePath, "file", "f", "", "Path to the state file (overrides configuration)")
	devicesCmd.Flags().StringVar(&deviceSet, "set", "", "New value: true, false or toggle (omit to read)")

	rpcCmd.AddCommand(channelCmd)
	rpcCmd.AddCommand(devicesCmd)

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statefileCmd)
	rootCmd.AddCommand(rpcCmd)
}

// loadConfig returns the defaults when no --config was given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return log, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context, log logrus.FieldLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), log)
	defer cancel()

	sess := session.NewService(log, session.Config{
		ReconnectInterval: cfg.Session.ReconnectInterval.Std(),
	})

	printer := console.NewService(log, os.Stdout)
	fetcher := avatars.NewService(log, avatars.Config{})

	// The printer gets its own channel; snapshots are mirrored into the
	// avatar fetcher so images are warm by the time a renderer wants them.
	snapshots := make(chan state.ConnState, 8)

	if err := printer.Start(snapshots); err != nil {
		return fmt.Errorf("failed to start console printer: %w", err)
	}

	if err := fetcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start avatar fetcher: %w", err)
	}

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	go func() {
		for av := range fetcher.Avatars() {
			log.WithFields(logrus.Fields{
				"key":   av.Key,
				"bytes": len(av.Data),
			}).Debug("Avatar cached")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			stopAll(log, sess, printer, fetcher)
			return nil
		case st := <-sess.States():
			fetcher.Enqueue(st)

			select {
			case snapshots <- st:
			default:
			}
		}
	}
}

func runStateFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if stateFilePath != "" {
		cfg.StateFile.Path = stateFilePath
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), log)
	defer cancel()

	sess := session.NewService(log, session.Config{
		ReconnectInterval: cfg.Session.ReconnectInterval.Std(),
	})

	writer := statefile.NewService(log, statefile.Config{
		Path: cfg.StateFile.Path,
	})

	if err := writer.Start(sess.States()); err != nil {
		return fmt.Errorf("failed to start statefile writer: %w", err)
	}

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	<-ctx.Done()

	stopAll(log, sess, writer)

	return nil
}

func runChannel(cmd *cobra.Command, args []string) error {
	req := control.Request{}

	switch args[0] {
	case "id":
		req.Query = control.QueryChannelID
	case "name":
		req.Query = control.QueryChannelName
	case "useridlist":
		req.Query = control.QueryUserIDs
	case "usernamelist":
		req.Query = control.QueryUserNames
	case "move":
		if len(args) != 2 {
			return fmt.Errorf("move requires a channel id")
		}

		req.MoveTo = args[1]
	default:
		return fmt.Errorf("unknown channel action %q", args[0])
	}

	if req.Query != control.QueryNone && len(args) != 1 {
		return fmt.Errorf("%s takes no further arguments", args[0])
	}

	return runOneShot(cmd.Context(), req)
}

func runDevices(cmd *cobra.Command, args []string) error {
	req := control.Request{Device: args[0]}

	switch deviceSet {
	case "":
		req.DeviceOp = control.DeviceGet
	case "true":
		req.DeviceOp = control.DeviceEnable
	case "false":
		req.DeviceOp = control.DeviceDisable
	case "toggle":
		req.DeviceOp = control.DeviceToggle
	default:
		return fmt.Errorf("invalid --set value %q, want true, false or toggle", deviceSet)
	}

	return runOneShot(cmd.Context(), req)
}

// runOneShot spins the session up just long enough to serve one request.
// The error path is the exit code: a timeout or an unauthorized session
// leaves a nonzero status for scripts.
func runOneShot(parent context.Context, req control.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(parent, log)
	defer cancel()

	sess := session.NewService(log, session.Config{
		ReconnectInterval: cfg.Session.ReconnectInterval.Std(),
	})

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	runner := control.NewRunner(log, sess, cfg.Control.Timeout.Std())

	out, err := runner.Run(ctx, req)

	if stopErr := sess.Stop(); stopErr != nil {
		log.WithError(stopErr).Warn("Error stopping session")
	}

	if err != nil {
		return err
	}

	if out != "" {
		fmt.Println(out)
	}

	return nil
}

type stopper interface {
	Stop() error
}

func stopAll(log logrus.FieldLogger, services ...stopper) {
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping service")
		}
	}
}
