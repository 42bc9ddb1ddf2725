// Command gpramserver parses flags, loads configuration, builds the
// KeyStore, and drives the Admin Server's lifecycle. It owns nothing the
// core itself decides: cipher policy, timeouts, and routing all live in
// internal/config and internal/admin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsgp/gpram/internal/admin"
	"github.com/opsgp/gpram/internal/config"
	"github.com/opsgp/gpram/internal/keystore"
	"github.com/opsgp/gpram/internal/logging"
	"github.com/opsgp/gpram/internal/metrics"
	"github.com/opsgp/gpram/internal/wsbridge"
)

// Exit codes returned to the shell.
const (
	exitOK              = 0
	exitConfigInvalid   = 1
	exitBindFailed      = 2
	exitShutdownTimeout = 3
)

func main() {
	root := &cobra.Command{
		Use:   "gpramserver",
		Short: "GlobalPlatform Amendment B remote application management test server",
	}
	root.AddCommand(newStartCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newStatusCommand())

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigInvalid)
	}
}

type startOptions struct {
	configPath        string
	port              int
	ciphers           string
	enableNullCiphers bool
	debug             bool
	pidFile           string
}

func newStartCommand() *cobra.Command {
	opt := &startOptions{pidFile: "gpramserver.pid"}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the PSK-TLS admin listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opt)
		},
	}
	cmd.Flags().StringVar(&opt.configPath, "config", "", "Path to a YAML configuration file")
	cmd.Flags().IntVar(&opt.port, "port", 0, "Override the configured listen port (0 = use config)")
	cmd.Flags().StringVar(&opt.ciphers, "ciphers", "", "Override the configured cipher policy (default|legacy|all)")
	cmd.Flags().BoolVar(&opt.enableNullCiphers, "enable-null-ciphers", false, "Allow NULL-encryption cipher suites alongside --ciphers=all")
	cmd.Flags().BoolVar(&opt.debug, "debug", false, "Enable DEBUG-level logging, including hex APDU previews")
	cmd.Flags().StringVar(&opt.pidFile, "pid-file", opt.pidFile, "Path to write this process's PID, consumed by 'stop' and 'status'")
	return cmd
}

func newStopCommand() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal a running gpramserver to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(pidFile)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "gpramserver.pid", "Path to the PID file written by 'start'")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a gpramserver process is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(pidFile)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "gpramserver.pid", "Path to the PID file written by 'start'")
	return cmd
}

func runStart(opt *startOptions) error {
	cfg := config.Default()
	if opt.configPath != "" {
		loaded, err := config.Load(opt.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigInvalid)
		}
		cfg = loaded
	}
	if opt.port != 0 {
		cfg.Listen.Port = opt.port
	}
	if opt.ciphers != "" {
		cfg.CipherPolicy = config.CipherPolicy(opt.ciphers)
	}
	if opt.enableNullCiphers {
		cfg.EnableNullCiphers = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigInvalid)
	}

	log, err := logging.New(opt.debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigInvalid)
	}
	defer log.Sync()

	keys, closeKeys, err := buildKeyStore(cfg.KeyStore)
	if err != nil {
		log.Error("failed to build key store", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}
	if closeKeys != nil {
		defer closeKeys()
	}

	m := metrics.New(false)
	srv := admin.New(log, cfg, keys, m)

	if cfg.WebSocketBridgeAddr != "" {
		bridge := wsbridge.New(log, srv.Bus())
		go serveAux(log, cfg.WebSocketBridgeAddr, bridge)
	}
	if cfg.MetricsAddr != "" {
		go serveAux(log, cfg.MetricsAddr, m.Handler())
	}

	if err := writePIDFile(opt.pidFile); err != nil {
		log.Warn("could not write pid file", zap.Error(err))
	}
	defer os.Remove(opt.pidFile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("listener exited with error", zap.Error(err))
			os.Exit(exitBindFailed)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown did not complete cleanly", zap.Error(err))
			os.Exit(exitShutdownTimeout)
		}
		<-serveErr
	}

	os.Exit(exitOK)
	return nil
}

// serveAux runs a best-effort HTTP server for an auxiliary surface
// (metrics or the WebSocket event bridge); its failure never takes down
// the admin listener.
func serveAux(log *zap.Logger, addr string, handler http.Handler) {
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Error("auxiliary HTTP listener exited", zap.String("addr", addr), zap.Error(err))
	}
}

func runStop(pidFile string) error {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading pid file %s: %w", pidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("locating process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to gpramserver (pid %d)\n", pid)
	return nil
}

func runStatus(pidFile string) error {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		fmt.Println("gpramserver is not running (no pid file)")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Printf("gpramserver is not running (pid %d not found)\n", pid)
		return nil
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		fmt.Printf("gpramserver is not running (pid %d is stale)\n", pid)
		return nil
	}
	fmt.Printf("gpramserver is running (pid %d)\n", pid)
	return nil
}

func buildKeyStore(cfg config.KeyStoreConfig) (keystore.KeyStore, func(), error) {
	switch cfg.Kind {
	case "sqlite":
		store, err := keystore.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "file":
		store, err := keystore.NewFileStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported keyStore.kind %q", cfg.Kind)
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(b))
}
