package gormstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	// DefaultNotifyChannel carries the id of the user whose documents changed.
	DefaultNotifyChannel = "envelopes_changes"

	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
	wakeupBuffer         = 8
)

// ChangeListener turns PostgreSQL notifications into subscription wakeups.
type ChangeListener struct {
	listener *pq.Listener
	logger   *zap.Logger
	wakeups  chan string
}

// ListenForChanges starts listening on channel with a dedicated connection.
func ListenForChanges(dsn string, channel string, logger *zap.Logger) (*ChangeListener, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("notify channel is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("change listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &ChangeListener{listener: listener, logger: logger, wakeups: make(chan string, wakeupBuffer)}, nil
}

// Wakeups delivers user ids whose documents changed. Pass it to WithWakeups.
func (listener *ChangeListener) Wakeups() <-chan string {
	return listener.wakeups
}

// Run forwards notifications until ctx is done and then closes the listener.
func (listener *ChangeListener) Run(ctx context.Context) error {
	defer close(listener.wakeups)
	defer listener.listener.Close()
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case notification := <-listener.listener.Notify:
			// nil after a reconnect; every subscriber polls on its own ticker anyway
			if notification == nil {
				continue
			}
			select {
			case listener.wakeups <- notification.Extra:
			default:
			}
		case <-ticker.C:
			if err := listener.listener.Ping(); err != nil {
				listener.logger.Warn("change listener ping failed", zap.Error(err))
			}
		}
	}
}
