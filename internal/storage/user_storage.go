package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"unllamabot/internal/models"

	"modernc.org/sqlite"
)

const userColumns = `system_prompt, temperature, dynatemp_range, dynatemp_exponent,
	top_k, top_p, min_p, n_predict, n_keep, tfs_z, typical_p, repeat_penalty,
	repeat_last_n, penalize_nl, presence_penalty, frequency_penalty,
	mirostat, mirostat_tau, mirostat_eta, seed, samplers`

// GetUser returns a user by Discord ID, or ErrUserNotFound.
func (s *Store) GetUser(userID int64) (*models.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", userID)

	var (
		user models.User

		temperature, dynatempRange, dynatempExponent sql.NullFloat64
		topP, minP, tfsZ, typicalP, repeatPenalty    sql.NullFloat64
		presencePenalty, frequencyPenalty            sql.NullFloat64
		mirostatTau, mirostatEta                     sql.NullFloat64
		topK, nPredict, nKeep, repeatLastN           sql.NullInt64
		penalizeNL, mirostat, seed                   sql.NullInt64
		samplers                                     sql.NullString
	)

	err := row.Scan(
		&user.SystemPrompt,
		&temperature, &dynatempRange, &dynatempExponent,
		&topK, &topP, &minP, &nPredict, &nKeep,
		&tfsZ, &typicalP, &repeatPenalty, &repeatLastN, &penalizeNL,
		&presencePenalty, &frequencyPenalty,
		&mirostat, &mirostatTau, &mirostatEta, &seed, &samplers,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user %d: %w", userID, err)
	}

	user.ID = userID
	user.Temperature = nullFloat(temperature)
	user.DynatempRange = nullFloat(dynatempRange)
	user.DynatempExponent = nullFloat(dynatempExponent)
	user.TopK = nullInt(topK)
	user.TopP = nullFloat(topP)
	user.MinP = nullFloat(minP)
	user.NPredict = nullInt(nPredict)
	user.NKeep = nullInt(nKeep)
	user.TfsZ = nullFloat(tfsZ)
	user.TypicalP = nullFloat(typicalP)
	user.RepeatPenalty = nullFloat(repeatPenalty)
	user.RepeatLastN = nullInt(repeatLastN)
	user.PresencePenalty = nullFloat(presencePenalty)
	user.FrequencyPenalty = nullFloat(frequencyPenalty)
	user.Mirostat = nullInt(mirostat)
	user.MirostatTau = nullFloat(mirostatTau)
	user.MirostatEta = nullFloat(mirostatEta)
	user.Seed = nullInt(seed)
	if penalizeNL.Valid {
		v := penalizeNL.Int64 == 1
		user.PenalizeNL = &v
	}
	if samplers.Valid {
		user.Samplers = &samplers.String
	}
	return &user, nil
}

// AddUser creates a user. An empty systemPrompt selects the store's
// default. Returns ErrUserExists when the ID is already taken.
func (s *Store) AddUser(userID int64, systemPrompt string) error {
	if systemPrompt == "" {
		systemPrompt = s.defaultSystemPrompt
	}

	stmt, err := s.db.Prepare("INSERT INTO users(id, system_prompt) VALUES(?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err = stmt.Exec(userID, systemPrompt); err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == 1555 {
			// SQLITE_CONSTRAINT_PRIMARYKEY
			return ErrUserExists
		}
		return fmt.Errorf("inserting user %d: %w", userID, err)
	}
	return nil
}

// GetOrCreateUser fetches a user, creating it first when missing.
func (s *Store) GetOrCreateUser(userID int64) (*models.User, error) {
	user, err := s.GetUser(userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if err := s.AddUser(userID, ""); err != nil && !errors.Is(err, ErrUserExists) {
		return nil, err
	}
	return s.GetUser(userID)
}

func (s *Store) DeleteUser(userID int64) error {
	result, err := s.db.Exec("DELETE FROM users WHERE id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting user %d: %w", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) UserExists(userID int64) (bool, error) {
	row := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists == 1, nil
}

// ListUserIDs returns every known user ID, ascending.
func (s *Store) ListUserIDs() ([]int64, error) {
	rows, err := s.db.Query("SELECT id FROM users ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChangeUserSystemPrompt sets a user's system prompt and rewrites the
// system messages already stored in their history.
func (s *Store) ChangeUserSystemPrompt(userID int64, newPrompt string, createIfMissing bool) error {
	exists, err := s.UserExists(userID)
	if err != nil {
		return err
	}
	if !exists {
		if !createIfMissing {
			return ErrUserNotFound
		}
		return s.AddUser(userID, newPrompt)
	}

	if _, err := s.db.Exec("UPDATE users SET system_prompt = ? WHERE id = ?", newPrompt, userID); err != nil {
		return fmt.Errorf("updating system prompt for user %d: %w", userID, err)
	}
	if _, err := s.db.Exec(
		"UPDATE messages SET content = ? WHERE user_id = ? AND role = ?",
		newPrompt, userID, string(models.RoleSystem),
	); err != nil {
		return fmt.Errorf("rewriting system messages for user %d: %w", userID, err)
	}
	return nil
}

type paramKind int

const (
	paramFloat paramKind = iota
	paramInt
	paramBool
)

// generationParams maps user-facing parameter names to their column and
// type. Samplers order is deliberately absent, it is not settable yet.
var generationParams = map[string]paramKind{
	"temperature":       paramFloat,
	"dynatemp_range":    paramFloat,
	"dynatemp_exponent": paramFloat,
	"top_k":             paramInt,
	"top_p":             paramFloat,
	"min_p":             paramFloat,
	"n_predict":         paramInt,
	"n_keep":            paramInt,
	"tfs_z":             paramFloat,
	"typical_p":         paramFloat,
	"repeat_penalty":    paramFloat,
	"repeat_last_n":     paramInt,
	"penalize_nl":       paramBool,
	"presence_penalty":  paramFloat,
	"frequency_penalty": paramFloat,
	"mirostat":          paramInt,
	"mirostat_tau":      paramFloat,
	"mirostat_eta":      paramFloat,
	"seed":              paramInt,
}

// ParameterNames returns the settable generation parameter names.
func ParameterNames() []string {
	names := make([]string, 0, len(generationParams))
	for name := range generationParams {
		names = append(names, name)
	}
	return names
}

// SetUserParameter parses and stores a generation parameter, creating
// the user when missing. Returns the previous and new values rendered as
// strings ("default" when unset).
func (s *Store) SetUserParameter(userID int64, name, rawValue string) (old, updated string, err error) {
	kind, known := generationParams[name]
	if !known {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}

	if _, err := s.GetOrCreateUser(userID); err != nil {
		return "", "", err
	}

	old, err = s.readParameter(userID, name)
	if err != nil {
		return "", "", err
	}

	var value any
	switch kind {
	case paramFloat:
		value, err = strconv.ParseFloat(rawValue, 64)
	case paramInt:
		value, err = strconv.ParseInt(rawValue, 10, 64)
	case paramBool:
		var b bool
		b, err = strconv.ParseBool(rawValue)
		// sqlite has no bool type
		if b {
			value = int64(1)
		} else {
			value = int64(0)
		}
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s=%q", ErrInvalidParamValue, name, rawValue)
	}

	// name comes from the generationParams allowlist, not user input.
	if _, err := s.db.Exec("UPDATE users SET "+name+" = ? WHERE id = ?", value, userID); err != nil {
		return "", "", fmt.Errorf("setting %s for user %d: %w", name, userID, err)
	}

	updated, err = s.readParameter(userID, name)
	if err != nil {
		return "", "", err
	}
	return old, updated, nil
}

func (s *Store) readParameter(userID int64, name string) (string, error) {
	row := s.db.QueryRow("SELECT "+name+" FROM users WHERE id = ?", userID)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	if !value.Valid {
		return "default", nil
	}
	return value.String, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
