package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/comigor/cmai/internal/logger"
)

// GormStore implements Store on top of gorm, for sqlite and postgres.
type GormStore struct {
	db *gorm.DB
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.L.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}
}

// OpenSQLite opens (and creates if needed) a sqlite database file using the
// pure-Go driver.
func OpenSQLite(path string) (*GormStore, error) {
	if path == "" {
		path = "cmai.db"
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), gormConfig())
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}

	// sqlite serialises writers anyway; a single connection avoids lock errors.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	sqlDB.SetMaxOpenConns(1)

	return newGormStore(db, "sqlite")
}

// OpenPostgres connects to a postgres database using a libpq style DSN.
func OpenPostgres(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, &StoreError{Op: "connect", Err: errors.New("empty postgres dsn")}
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	return newGormStore(db, "postgres")
}

func newGormStore(db *gorm.DB, driver string) (*GormStore, error) {
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	logger.L.Info("message store initialized", "driver", driver)
	return &GormStore{db: db}, nil
}

// Append validates and inserts a single message.
func (s *GormStore) Append(ctx context.Context, text string, sender Sender, timestamp int64) (int64, error) {
	if err := Validate(text, sender); err != nil {
		return 0, err
	}

	msg := Message{Text: text, Sender: sender, Timestamp: timestamp}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}

	logger.L.Debug("message stored", "id", msg.ID, "sender", sender, "timestamp", timestamp)
	return msg.ID, nil
}

// AppendTurn inserts both halves of a turn inside one transaction.
func (s *GormStore) AppendTurn(ctx context.Context, user, ai Message) (int64, int64, error) {
	if err := Validate(user.Text, user.Sender); err != nil {
		return 0, 0, err
	}
	if err := Validate(ai.Text, ai.Sender); err != nil {
		return 0, 0, err
	}

	user.ID, ai.ID = 0, 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}
		if err := tx.Create(&ai).Error; err != nil {
			return fmt.Errorf("insert ai message: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, &StoreError{Op: "append turn", Err: err}
	}
	return user.ID, ai.ID, nil
}

// ListAll returns every message in insertion order.
func (s *GormStore) ListAll(ctx context.Context) ([]Message, error) {
	msgs := []Message{}
	if err := s.db.WithContext(ctx).Order(idOrder(false)).Find(&msgs).Error; err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return msgs, nil
}

// ListByTimestamp returns every message ordered by timestamp, then id.
func (s *GormStore) ListByTimestamp(ctx context.Context) ([]Message, error) {
	msgs := []Message{}
	err := s.db.WithContext(ctx).
		Order(timestampOrder(false)).
		Order(idOrder(false)).
		Find(&msgs).Error
	if err != nil {
		return nil, &StoreError{Op: "list by timestamp", Err: err}
	}
	return msgs, nil
}

// Latest returns the newest message by timestamp.
func (s *GormStore) Latest(ctx context.Context) (Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Order(timestampOrder(true)).
		Order(idOrder(true)).
		Limit(1).
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrNoMessages
	}
	if err != nil {
		return Message{}, &StoreError{Op: "latest", Err: err}
	}
	return msg, nil
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// timestamp is a keyword in several SQL dialects, so the column is always
// quoted through a clause rather than a raw order string.
func timestampOrder(desc bool) clause.OrderByColumn {
	return clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: desc}
}

func idOrder(desc bool) clause.OrderByColumn {
	return clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc}
}
