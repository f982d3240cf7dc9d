package chat

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// CompletionState is the lifecycle state of a turn.
type CompletionState string

const (
	StatePending   CompletionState = "pending"
	StateStreaming CompletionState = "streaming"
	StateCompleted CompletionState = "completed"
	StateFailed    CompletionState = "failed"
)

// metaCompletionStateKey mirrors the state inside response_meta.
const metaCompletionStateKey = "completionState"

func (s CompletionState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateStreaming:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

func (s CompletionState) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is allowed.
func (s CompletionState) Terminal() bool { return s.rank() == 2 }

// CanAdvanceTo reports whether moving from s to next goes forward.
// Staying in the same state is allowed; terminal states are final.
func (s CompletionState) CanAdvanceTo(next CompletionState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ParseCompletionState accepts the stored spelling, case-insensitively.
// Unknown or empty input yields ("", false).
func ParseCompletionState(v string) (CompletionState, bool) {
	s := CompletionState(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// stateFromMeta reads completionState out of a metadata map. A missing field
// means pending.
func stateFromMeta(meta map[string]any) CompletionState {
	if meta == nil {
		return StatePending
	}
	raw, ok := meta[metaCompletionStateKey].(string)
	if !ok {
		return StatePending
	}
	s, ok := ParseCompletionState(raw)
	if !ok {
		return StatePending
	}
	return s
}

func (s CompletionState) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *CompletionState) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = StatePending
	case string:
		*s = CompletionState(v)
	case []byte:
		*s = CompletionState(v)
	default:
		return fmt.Errorf("chat: cannot scan %T into CompletionState", src)
	}
	return nil
}
