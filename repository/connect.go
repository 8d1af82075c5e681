package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"siza-core/observability"
)

// ErrInvalidConnString marks a DATABASE_URL that no amount of retrying can fix
var ErrInvalidConnString = errors.New("invalid database connection string")

// ConnectPolicy bounds the startup loop that waits for PostgreSQL to accept connections
type ConnectPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConnectPolicy rides out a database container that starts alongside the server
var DefaultConnectPolicy = ConnectPolicy{
	Attempts:       5,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// Connect opens the PostgreSQL key store, retrying while the server is unreachable.
// A malformed connection string fails immediately.
func Connect(ctx context.Context, connString string, policy ConnectPolicy) (*Repository, error) {
	if _, err := pgxpool.ParseConfig(connString); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnString, err)
	}

	var repo *Repository
	err := retryConnect(ctx, policy, func() error {
		r, err := NewRepository(ctx, connString)
		if err != nil {
			return err
		}
		repo = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// retryConnect calls dial with exponential backoff until it succeeds, the attempts run out,
// ctx is done, or dial reports an error retrying cannot fix
func retryConnect(ctx context.Context, policy ConnectPolicy, dial func() error) error {
	attempts := max(policy.Attempts, 1)
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("database connect cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, policy.MaxBackoff)
		}

		err := dial()
		if err == nil {
			if attempt > 1 {
				observability.Info("database connected", "attempt", attempt)
			}
			return nil
		}
		if errors.Is(err, ErrInvalidConnString) || errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		if attempt < attempts {
			observability.Warn("database not reachable yet",
				"attempt", attempt,
				"attempts", attempts,
				"retry_in", backoff,
				"error", err)
		}
	}

	return fmt.Errorf("database unreachable after %d attempts: %w", attempts, lastErr)
}
