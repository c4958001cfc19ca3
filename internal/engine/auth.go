package engine

import (
	"context"
	"sync"
	"time"
)

// AuthManager owns the bearer credential for remote writes. The credential is
// acquired once at startup and replaced on a fixed cycle; a failed refresh
// keeps the previous credential and is logged as non-fatal.
type AuthManager struct {
	login    func(ctx context.Context) (string, error)
	interval time.Duration
	logger   Logger

	mu    sync.Mutex
	token string
}

func NewAuthManager(login func(ctx context.Context) (string, error), interval time.Duration, logger Logger) *AuthManager {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &AuthManager{
		login:    login,
		interval: interval,
		logger:   logger,
	}
}

func (m *AuthManager) Refresh(ctx context.Context) error {
	token, err := m.login(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *AuthManager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.token != ""
}

// Token satisfies the remote client's token provider contract.
func (m *AuthManager) Token(ctx context.Context) (string, error) {
	token, _ := m.Current()
	return token, nil
}

// Start runs the refresh cycle until the context is cancelled. Failures do
// not stop the timer.
func (m *AuthManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
					m.logf("credential refresh failed: %v", err)
				}
			}
		}
	}()
}

func (m *AuthManager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
