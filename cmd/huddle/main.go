package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	intrnl "huddle/internal"
	"huddle/internal/app"
	"huddle/internal/logger"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("huddle", flag.ExitOnError)
	configPath := flagSet.String("config", os.Getenv("HUDDLE_CONFIG"), "optional config file (yaml, json or toml)")
	addr := flagSet.String("addr", "", "server listen address")
	db := flagSet.String("db", "", "sqlite database path")
	serverURL := flagSet.String("server", "", "server base URL (client mode), e.g. http://localhost:8080")
	username := flagSet.String("user", "", "display name")
	logFile := flagSet.String("log-file", "", "write logs here instead of stderr")
	dev := flagSet.Bool("dev", false, "development logging and a throwaway jwt secret")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	flagSet.Parse(args)

	if *showVersion {
		fmt.Println("huddle", intrnl.Version)
		return
	}

	cfg, err := app.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		os.Exit(1)
	}
	// flags override loaded values
	if *addr != "" {
		cfg.Server.Addr = *addr
	} else if mode == modeLocal {
		cfg.Server.Addr = "127.0.0.1:0"
	}
	if *db != "" {
		cfg.Server.DBPath = *db
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *username != "" {
		cfg.Client.Username = *username
	}
	if *dev {
		cfg.Server.DevMode = true
		cfg.Log.Development = true
	}
	if mode == modeLocal {
		cfg.Server.DevMode = true
	}
	if remaining := flagSet.Args(); len(remaining) > 0 {
		cfg.Client.SessionID = remaining[0]
	}

	logCfg := logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level, OutputPath: *logFile}
	if *quiet {
		logCfg.Level = "warn"
	}
	log, err := newLogger(mode, logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "huddle: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg.Server, log)
	case modeLocal:
		err = runLocalMode(ctx, cfg.Server, cfg.Client, log)
	default:
		err = runClientMode(cfg.Client, log)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		os.Exit(1)
	}
}

// newLogger keeps the terminal clean for the TUI: client and local modes only
// log when a file is given.
func newLogger(mode string, cfg logger.Config) (*zap.Logger, error) {
	if mode != modeServer && cfg.OutputPath == "" {
		return zap.NewNop(), nil
	}
	return logger.New(cfg)
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, log *zap.Logger) error {
	handle, err := app.RunServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("huddle server listening", zap.String("addr", handle.Addr()), zap.String("db", cfg.DBPath), zap.String("version", intrnl.Version))
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig, log *zap.Logger) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server or HUDDLE_CLIENT_SERVER_URL")
	}
	return app.RunClient(cfg, log)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, log *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(serverCfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	handle, err := app.RunServer(ctx, serverCfg, log)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	log.Info("starting local huddle server", zap.String("addr", handle.Addr()), zap.String("db", serverCfg.DBPath))
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = "http://" + handle.Addr()
	if err := app.RunClient(clientCfg, log); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
