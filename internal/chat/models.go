package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Session struct {
	ID            string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID        string            `gorm:"type:varchar(64);not null;index:idx_assistant_sessions_reuse,priority:1" json:"-"`
	UserEmail     *string           `gorm:"type:varchar(255)" json:"user_email,omitempty"`
	UserName      *string           `gorm:"type:varchar(255)" json:"user_name,omitempty"`
	CompanyID     *string           `gorm:"type:varchar(64);index:idx_assistant_sessions_reuse,priority:3" json:"company_id,omitempty"`
	Source        *string           `gorm:"type:varchar(64);index:idx_assistant_sessions_reuse,priority:2" json:"source,omitempty"`
	Context       datatypes.JSONMap `json:"context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastMessageAt time.Time         `gorm:"not null;index:idx_assistant_sessions_reuse,priority:4" json:"last_message_at"`
}

func (Session) TableName() string { return "assistant_sessions" }

type Turn struct {
	ID        string `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID string `gorm:"type:varchar(36);not null;uniqueIndex:uniq_assistant_turn_index,priority:1;index:idx_assistant_turn_request,priority:1" json:"session_id"`
	UserID    string `gorm:"type:varchar(64);not null;index:idx_assistant_turn_request,priority:2;index:idx_assistant_turn_stale,priority:1" json:"-"`
	TurnIndex int    `gorm:"not null;uniqueIndex:uniq_assistant_turn_index,priority:2" json:"turn_index"`
	// Null request ids opt out of deduplication, so this index is not unique.
	RequestID            *string                     `gorm:"type:varchar(128);index:idx_assistant_turn_request,priority:3" json:"request_id,omitempty"`
	UserMessage          string                      `gorm:"type:text;not null" json:"user_message"`
	AssistantMessage     string                      `gorm:"type:text;not null" json:"assistant_message"`
	RankingSeedText      *string                     `gorm:"type:text" json:"ranking_seed_text,omitempty"`
	VendorCandidateIDs   datatypes.JSONSlice[string] `json:"vendor_candidate_ids,omitempty"`
	VendorCandidateSlugs datatypes.JSONSlice[string] `json:"vendor_candidate_slugs,omitempty"`
	RequestMeta          datatypes.JSONMap           `json:"request_meta,omitempty"`
	ResponseMeta         datatypes.JSONMap           `json:"response_meta,omitempty"`
	CompletionState      CompletionState             `gorm:"type:varchar(16);not null;default:'pending';index:idx_assistant_turn_stale,priority:2" json:"completion_state"`
	CreatedAt            time.Time                   `gorm:"index:idx_assistant_turn_stale,priority:3" json:"created_at"`
}

func (Turn) TableName() string { return "assistant_turns" }

// SessionRef is what the resolver hands back to callers.
type SessionRef struct {
	ID              string `json:"id"`
	Created         bool   `json:"created"`
	ReusedRequested bool   `json:"reused_requested"`
}

// TurnRef identifies a turn created (or found) by BeginTurn.
type TurnRef struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	TurnIndex int             `json:"turn_index"`
	State     CompletionState `json:"completion_state"`
	// Existing is set when an earlier turn with the same request id was returned.
	Existing bool `json:"existing"`
}

// HistoryMessage is one role-tagged entry of a conversation window.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
