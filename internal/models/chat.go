package models

import (
	"strings"
	"time"
)

// ChatRole is the role of a single conversation turn.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// NormalizeRole folds vendor role spellings into the standard three.
func NormalizeRole(role string) ChatRole {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case "model", "bot", "assistant":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// Message is a single stored conversation turn. Positions are dense and
// start at 0 for every user, in insertion order.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Position  int       `json:"position"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
}
