package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound      = errors.New("user does not exist")
	ErrUserExists        = errors.New("user already exists")
	ErrMessageNotFound   = errors.New("message does not exist")
	ErrUnknownParameter  = errors.New("unknown generation parameter")
	ErrInvalidParamValue = errors.New("invalid generation parameter value")
)

// Store keeps users and their conversation history in SQLite.
type Store struct {
	db *sql.DB

	// defaultSystemPrompt is assigned to newly created users and used to
	// detect users still on the global default.
	defaultSystemPrompt string
}

// Open opens (or creates) the database at path and ensures the schema
// exists.
func Open(path, defaultSystemPrompt string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// One connection keeps PRAGMA settings effective and serializes
	// writes, which sqlite wants anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database %s: %w", path, err)
	}

	s := &Store{db: db, defaultSystemPrompt: defaultSystemPrompt}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}

	createUsersTable := `
	CREATE TABLE IF NOT EXISTS users (
			"id" INTEGER PRIMARY KEY,
			"system_prompt" TEXT NOT NULL,
			"temperature" REAL,
			"dynatemp_range" REAL,
			"dynatemp_exponent" REAL,
			"top_k" INTEGER,
			"top_p" REAL,
			"min_p" REAL,
			"n_predict" INTEGER,
			"n_keep" INTEGER,
			"tfs_z" REAL,
			"typical_p" REAL,
			"repeat_penalty" REAL,
			"repeat_last_n" INTEGER,
			"penalize_nl" INTEGER,
			"presence_penalty" REAL,
			"frequency_penalty" REAL,
			"mirostat" INTEGER,
			"mirostat_tau" REAL,
			"mirostat_eta" REAL,
			"seed" INTEGER,
			"samplers" TEXT
	);`
	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
			"id" INTEGER PRIMARY KEY AUTOINCREMENT,
			"user_id" INTEGER NOT NULL REFERENCES users(id) ON UPDATE CASCADE ON DELETE CASCADE,
			"timestamp" TEXT NOT NULL,
			"position" INTEGER NOT NULL,
			"role" TEXT NOT NULL,
			"content" TEXT NOT NULL
	);`

	if _, err := s.db.Exec(createUsersTable); err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	if _, err := s.db.Exec(createMessagesTable); err != nil {
		return fmt.Errorf("creating messages table: %w", err)
	}
	return nil
}

// DefaultSystemPrompt returns the prompt assigned to new users.
func (s *Store) DefaultSystemPrompt() string {
	return s.defaultSystemPrompt
}

// ChangeGlobalDefaultSystemPrompt updates the default system prompt,
// rewrites the prompt of every user still using the previous default and
// their stored system messages. Returns the number of migrated users.
func (s *Store) ChangeGlobalDefaultSystemPrompt(newPrompt string) (int64, error) {
	if _, err := s.db.Exec(
		`UPDATE messages SET content = ? WHERE role = 'system'
		 AND user_id IN (SELECT id FROM users WHERE system_prompt = ?)`,
		newPrompt, s.defaultSystemPrompt,
	); err != nil {
		return 0, fmt.Errorf("rewriting default system messages: %w", err)
	}
	result, err := s.db.Exec(
		"UPDATE users SET system_prompt = ? WHERE system_prompt = ?",
		newPrompt, s.defaultSystemPrompt,
	)
	if err != nil {
		return 0, fmt.Errorf("updating default system prompt: %w", err)
	}
	s.defaultSystemPrompt = newPrompt
	return result.RowsAffected()
}
