package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrInvalidSource = errors.New("unknown turn source")
)

// Statements are kept to the subset of SQL that both SQLite and MySQL accept.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		group_name VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id CHAR(36) PRIMARY KEY,
		user_id VARCHAR(255),
		chat_id VARCHAR(255),
		user_prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		source VARCHAR(32) NOT NULL CHECK (source IN ('ModelGenerated', 'WebSearch', 'DocumentSummary')),
		category VARCHAR(255),
		complete BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS price (
		price_id CHAR(36) PRIMARY KEY,
		message_id CHAR(36) NOT NULL UNIQUE,
		completion_price DECIMAL(10,2) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES chat_messages (message_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		feedback_id CHAR(36) PRIMARY KEY,
		message_id CHAR(36) NOT NULL,
		user_id VARCHAR(255),
		rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES chat_messages (message_id) ON DELETE CASCADE
	)`,
}

// SQLStore persists users, transcript turns, prices and feedback through
// database/sql. Supported drivers are "sqlite3" and "mysql".
type SQLStore struct {
	db *sql.DB
}

func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3":
		dsn = sqliteDSN(dsn)
	case "mysql":
		dsn = mysqlDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// single connection: serialises writers and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db}
	if err = s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "parseTime=true"
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTurn writes a turn and its price atomically. Missing ids and
// timestamps are filled in on the passed values.
func (s *SQLStore) SaveTurn(ctx context.Context, turn *Turn, price *Price) (err error) {
	if !turn.Source.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, turn.Source)
	}
	if turn.MessageID == "" {
		turn.MessageID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	price.MessageID = turn.MessageID
	if price.PriceID == "" {
		price.PriceID = uuid.NewString()
	}
	if price.CreatedAt.IsZero() {
		price.CreatedAt = turn.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (message_id, user_id, chat_id, user_prompt, response, source, category, complete, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.MessageID, nullable(turn.UserID), nullable(turn.SessionID), turn.Prompt, turn.Response,
		string(turn.Source), nullable(turn.Category), turn.Complete, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO price (price_id, message_id, completion_price, created_at) VALUES (?, ?, ?, ?)`,
		price.PriceID, price.MessageID, price.CompletionPrice.StringFixed(2), price.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert price: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// User methods
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var (
		u     User
		group sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT user_id, name, group_name, created_at FROM users WHERE user_id = ?", userID).
		Scan(&u.UserID, &u.Name, &group, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if group.Valid {
		u.GroupName = &group.String
	}
	return &u, nil
}

// CreateUser inserts a user row. It reports false when the user already
// existed, in which case the stored row is left untouched.
func (s *SQLStore) CreateUser(ctx context.Context, userID, name string) (bool, error) {
	if _, err := s.GetUser(ctx, userID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (user_id, name, created_at) VALUES (?, ?, ?)", userID, name, time.Now().UTC())
	if err != nil {
		// lost an insert race with another login for the same user
		if _, gerr := s.GetUser(ctx, userID); gerr == nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert user: %w", err)
	}
	return true, nil
}

// SetUserGroup records the user's group if none is stored yet. It reports
// whether the row changed.
func (s *SQLStore) SetUserGroup(ctx context.Context, userID, group string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET group_name = ? WHERE user_id = ? AND group_name IS NULL", group, userID)
	if err != nil {
		return false, fmt.Errorf("failed to set user group: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Feedback methods
func (s *SQLStore) SaveFeedback(ctx context.Context, fb *Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return ErrInvalidRating
	}
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM chat_messages WHERE message_id = ?", fb.MessageID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", fb.MessageID, ErrNotFound)
		}
		return fmt.Errorf("failed to look up message: %w", err)
	}

	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO feedback (feedback_id, message_id, user_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare feedback insert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, fb.FeedbackID, fb.MessageID, nullable(fb.UserID), fb.Rating, fb.Comment, fb.CreatedAt); err != nil {
		return fmt.Errorf("failed to execute feedback insert: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
