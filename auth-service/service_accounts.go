package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServiceAccountCache keeps the service_accounts table in memory and reloads
// it periodically so new backend services need no restart.
type ServiceAccountCache struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	accounts map[string]string
}

func NewServiceAccountCache(ctx context.Context, db *sql.DB, every time.Duration) (*ServiceAccountCache, error) {
	c := &ServiceAccountCache{db: db, accounts: map[string]string{}, done: make(chan struct{})}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.refreshLoop(ctx, every)
	return c, nil
}

func (c *ServiceAccountCache) refresh(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT username, password FROM service_accounts`)
	if err != nil {
		return fmt.Errorf("load service accounts: %w", err)
	}
	defer rows.Close()

	accounts := make(map[string]string)
	for rows.Next() {
		var username, password string
		if err := rows.Scan(&username, &password); err != nil {
			return fmt.Errorf("scan service account: %w", err)
		}
		accounts[username] = password
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load service accounts: %w", err)
	}

	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()
	slog.Info("Service accounts cache refreshed", "count", len(accounts))
	return nil
}

func (c *ServiceAccountCache) refreshLoop(ctx context.Context, every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				slog.Error("Failed to refresh service accounts", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *ServiceAccountCache) Authenticate(username, password string) bool {
	c.mu.RLock()
	stored, ok := c.accounts[username]
	c.mu.RUnlock()
	return ok && subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

func (c *ServiceAccountCache) Close() {
	c.cancel()
	<-c.done
}
