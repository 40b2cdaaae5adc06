package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"unllamabot/internal/models"
)

const timestampLayout = time.RFC3339Nano

// UserHasMessages reports whether a user has any stored history.
func (s *Store) UserHasMessages(userID int64) (bool, error) {
	row := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM messages WHERE user_id = ?)", userID)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists == 1, nil
}

// AddMessage appends a message to a user's history at the next dense
// position. A zero timestamp means "now". The user is created first when
// missing and createIfMissing is set.
func (s *Store) AddMessage(userID int64, role models.ChatRole, content string, timestamp time.Time, createIfMissing bool) error {
	exists, err := s.UserExists(userID)
	if err != nil {
		return err
	}
	if !exists {
		if !createIfMissing {
			return ErrUserNotFound
		}
		if err := s.AddUser(userID, ""); err != nil && !errors.Is(err, ErrUserExists) {
			return err
		}
	}

	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	position, err := s.nextMessagePosition(userID)
	if err != nil {
		return err
	}

	stmt, err := s.db.Prepare("INSERT INTO messages(user_id, timestamp, position, role, content) VALUES(?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err := stmt.Exec(userID, timestamp.UTC().Format(timestampLayout), position, string(role), content); err != nil {
		return fmt.Errorf("inserting message for user %d: %w", userID, err)
	}
	return nil
}

// GetMessage returns a message by its ID, or ErrMessageNotFound.
func (s *Store) GetMessage(messageID int64) (*models.Message, error) {
	row := s.db.QueryRow(
		"SELECT user_id, timestamp, position, role, content FROM messages WHERE id = ?",
		messageID,
	)

	msg := models.Message{ID: messageID}
	var timestampStr, role string
	if err := row.Scan(&msg.UserID, &timestampStr, &msg.Position, &role, &msg.Content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("querying message %d: %w", messageID, err)
	}

	parsed, err := time.Parse(timestampLayout, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp of message %d: %w", messageID, err)
	}
	msg.Timestamp = parsed
	msg.Role = models.ChatRole(role)
	return &msg, nil
}

// GetUserMessages returns a user's full history in position order.
func (s *Store) GetUserMessages(userID int64) ([]models.Message, error) {
	rows, err := s.db.Query(
		"SELECT id, timestamp, position, role, content FROM messages WHERE user_id = ? ORDER BY position ASC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg := models.Message{UserID: userID}
		var timestampStr, role string
		if err := rows.Scan(&msg.ID, &timestampStr, &msg.Position, &role, &msg.Content); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(timestampLayout, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp of message %d: %w", msg.ID, err)
		}
		msg.Timestamp = parsed
		msg.Role = models.ChatRole(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetNthUserMessage returns the message at a user's given position.
func (s *Store) GetNthUserMessage(userID int64, position int) (*models.Message, error) {
	row := s.db.QueryRow(
		"SELECT id FROM messages WHERE user_id = ? AND position = ?",
		userID, position,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return s.GetMessage(id)
}

// DeleteMessage removes a message and shifts the positions of the
// messages after it down by one, keeping positions dense.
func (s *Store) DeleteMessage(msg *models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE messages SET position = position - 1 WHERE user_id = ? AND position > ?",
		msg.UserID, msg.Position,
	); err != nil {
		return fmt.Errorf("reindexing messages of user %d: %w", msg.UserID, err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", msg.ID); err != nil {
		return fmt.Errorf("deleting message %d: %w", msg.ID, err)
	}
	return tx.Commit()
}

// DeleteUserMessageByPosition removes the message at the given position.
func (s *Store) DeleteUserMessageByPosition(userID int64, position int) error {
	msg, err := s.GetNthUserMessage(userID, position)
	if err != nil {
		return err
	}
	return s.DeleteMessage(msg)
}

// ClearUserMessages wipes a user's conversation history.
func (s *Store) ClearUserMessages(userID int64) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE user_id = ?", userID)
	return err
}

func (s *Store) nextMessagePosition(userID int64) (int, error) {
	row := s.db.QueryRow(
		"SELECT position FROM messages WHERE user_id = ? ORDER BY position DESC LIMIT 1",
		userID,
	)
	var position int
	if err := row.Scan(&position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return position + 1, nil
}
