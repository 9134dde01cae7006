package usecase

import (
	"fmt"
	"strings"

	"course-tutor/internal/domain"
)

// courseContext is the instruction and course material shared by every request.
type courseContext struct {
	instruction string
	content     string
}

// cachePayload is the text materialized into the shared cached context.
func (c courseContext) cachePayload() string {
	return fmt.Sprintf("INSTRUCTIONS: %s\n\nCOURSE: %s", strings.TrimSpace(c.instruction), strings.TrimSpace(c.content))
}

// fullContext is the system instruction sent inline when no cache is usable.
func (c courseContext) fullContext() string {
	return c.cachePayload() + "\n\n"
}

// studentPrefix identifies the student at the start of a session. A profile
// with neither a name nor an id is treated like no profile at all.
func studentPrefix(p *domain.StudentProfile) string {
	if p == nil {
		return ""
	}
	name := strings.TrimSpace(p.Name)
	id := strings.TrimSpace(p.ID)
	if name == "" && id == "" {
		return ""
	}
	return fmt.Sprintf("[STUDENT: %s (ID: %s)]\n", name, id)
}

// currentTurnInput prepends the student context only on the first turn of a
// session, i.e. when there is no prior history.
func currentTurnInput(history []domain.Message, input string, student *domain.StudentProfile) string {
	if len(history) > 0 {
		return input
	}
	return studentPrefix(student) + input
}
