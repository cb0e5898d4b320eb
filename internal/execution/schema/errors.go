package schema

import (
	"fmt"
	"strings"

	"github.com/animus-labs/reelforge/internal/domain"
)

// ValidationError lists every way a node failed its type schema. Callers
// surface Issues verbatim to API clients.
type ValidationError struct {
	NodeType domain.NodeType
	Issues   []string
}

func newValidationError(t domain.NodeType) *ValidationError {
	return &ValidationError{NodeType: t}
}

func (e *ValidationError) Error() string {
	subject := "node"
	if e.NodeType != "" {
		subject = string(e.NodeType) + " node"
	}
	switch len(e.Issues) {
	case 0:
		return subject + " is invalid"
	case 1:
		return subject + " is invalid: " + e.Issues[0]
	default:
		return fmt.Sprintf("%s is invalid (%d issues): %s", subject, len(e.Issues), strings.Join(e.Issues, "; "))
	}
}

func (e *ValidationError) addf(format string, args ...any) {
	e.add(fmt.Sprintf(format, args...))
}

func (e *ValidationError) add(issues ...string) {
	for _, issue := range issues {
		if issue = strings.TrimSpace(issue); issue != "" {
			e.Issues = append(e.Issues, issue)
		}
	}
}

// err returns nil when nothing was recorded so callers can return it directly.
func (e *ValidationError) err() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
