package domain

import "encoding/json"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// RawMessage is a client-submitted conversation entry before sanitization.
type RawMessage struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsError bool   `json:"isError,omitempty"`
}

// Message is a sanitized conversation turn handed to the generation backend.
type Message struct {
	Role Role
	Text string
}

// StudentProfile is the student context optionally attached to a chat request
// and synchronized through the profile endpoint.
type StudentProfile struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Scores json.RawMessage `json:"scores,omitempty"`
}
