package usecase

import (
	"strings"

	"course-tutor/internal/domain"
)

const defaultWindowSize = 6

// Assemble turns a raw client message log into the history sent to the
// generation backend and the current user input.
//
// Error and blank entries are dropped, only the last windowSize entries are
// kept, roles other than "model" become user, and leading model turns are
// stripped so the conversation opens with a user turn. The final entry is
// removed from the history and returned as the current input.
func Assemble(raw []domain.RawMessage, windowSize int) ([]domain.Message, string, error) {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}

	filtered := make([]domain.RawMessage, 0, len(raw))
	for _, m := range raw {
		if m.IsError || strings.TrimSpace(m.Text) == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > windowSize {
		filtered = filtered[len(filtered)-windowSize:]
	}

	window := make([]domain.Message, 0, len(filtered))
	for _, m := range filtered {
		window = append(window, domain.Message{Role: normalizeRole(m.Role), Text: m.Text})
	}
	for len(window) > 0 && window[0].Role == domain.RoleModel {
		window = window[1:]
	}

	if len(window) == 0 {
		return nil, "", ErrEmptyConversation
	}
	last := window[len(window)-1]
	return window[:len(window)-1], last.Text, nil
}

func normalizeRole(role string) domain.Role {
	if role == string(domain.RoleModel) {
		return domain.RoleModel
	}
	return domain.RoleUser
}
