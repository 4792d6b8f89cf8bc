package app

import (
	"errors"

	"go.uber.org/zap"

	intrnl "huddle/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig, log *zap.Logger) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:      cfg.ServerURL,
		SessionID:      cfg.SessionID,
		Username:       cfg.Username,
		ICEServers:     cfg.ICEServers,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
	})
}
