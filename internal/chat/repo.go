package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// errNoMatch rolls a transaction back for the modeled "not found / not yours"
// outcomes. It never leaves the repo.
var errNoMatch = errors.New("chat: no matching row")

// SchemaCapabilities records what the connected database provides.
type SchemaCapabilities struct {
	SessionsTable bool
	TurnsTable    bool
	// Older deployments lack user_email/user_name on sessions.
	SessionIdentityColumns bool
}

func (c SchemaCapabilities) Ready() bool { return c.SessionsTable && c.TurnsTable }

// ProbeSchema inspects the database once so per-call code never has to
// guess from errors.
func (r *Repo) ProbeSchema(ctx context.Context) SchemaCapabilities {
	m := r.db.WithContext(ctx).Migrator()
	caps := SchemaCapabilities{
		SessionsTable: m.HasTable(&Session{}),
		TurnsTable:    m.HasTable(&Turn{}),
	}
	if caps.SessionsTable {
		caps.SessionIdentityColumns = m.HasColumn(&Session{}, "UserEmail") && m.HasColumn(&Session{}, "UserName")
	}
	return caps
}

// GetOwnedSession returns nil when the session does not exist or belongs to
// someone else.
func (r *Repo) GetOwnedSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindRecentSession returns the newest session of userID with exactly the
// given source and company (nil matches NULL) touched at or after since.
func (r *Repo) FindRecentSession(ctx context.Context, userID string, source, companyID *string, since time.Time) (*Session, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND last_message_at >= ?", userID, since)
	if source == nil {
		q = q.Where("source IS NULL")
	} else {
		q = q.Where("source = ?", *source)
	}
	if companyID == nil {
		q = q.Where("company_id IS NULL")
	} else {
		q = q.Where("company_id = ?", *companyID)
	}

	var s Session
	err := q.Order("last_message_at DESC").Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts s with fresh timestamps. Identity columns are left out
// when the schema does not have them.
func (r *Repo) CreateSession(ctx context.Context, s *Session, withIdentity bool) error {
	now := r.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.LastMessageAt = now

	q := r.db.WithContext(ctx)
	if !withIdentity {
		q = q.Omit("UserEmail", "UserName")
	}
	return q.Create(s).Error
}

// ListRecentTurnsDesc returns the newest turns of a session (highest turn_index first).
func (r *Repo) ListRecentTurnsDesc(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("turn_index DESC").
		Limit(limit).
		Find(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

// GetOwnedTurn is a plain read used by callers that want to inspect a turn.
func (r *Repo) GetOwnedTurn(ctx context.Context, sessionID, userID, turnID string) (*Turn, error) {
	var t Turn
	err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND user_id = ?", turnID, sessionID, userID).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
