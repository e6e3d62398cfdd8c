// Package history provides durable persistence for chat messages.
//
// A Store is an append-only log: rows are inserted once and can be read back
// either in insertion order or ordered by their timestamp. The two orders are
// independent queries; callers must not assume that insertion order equals
// timestamp order.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/cmai/internal/config"
)

var (
	ErrTextTooLong   = errors.New("message text exceeds storage limit")
	ErrSenderTooLong = errors.New("message sender exceeds storage limit")
	ErrInvalidSender = errors.New("unknown message sender")
	ErrNoMessages    = errors.New("no messages stored")
)

// StoreError reports a failure of the underlying storage engine.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the message log used by the session.
type Store interface {
	// Append inserts one row and returns its id.
	Append(ctx context.Context, text string, sender Sender, timestamp int64) (int64, error)
	// AppendTurn inserts a user and an AI row in a single transaction.
	AppendTurn(ctx context.Context, user, ai Message) (userID, aiID int64, err error)
	// ListAll returns every message in insertion order.
	ListAll(ctx context.Context) ([]Message, error)
	// ListByTimestamp returns every message ordered by timestamp, ties by insertion order.
	ListByTimestamp(ctx context.Context) ([]Message, error)
	// Latest returns the last message by timestamp.
	Latest(ctx context.Context) (Message, error)
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	var (
		s   *GormStore
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		s, err = OpenSQLite(cfg.Path)
	case "postgres":
		s, err = OpenPostgres(cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
