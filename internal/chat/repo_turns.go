package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TurnInput carries everything a new turn is created from.
type TurnInput struct {
	SessionID            string
	UserID               string
	RequestID            string
	UserMessage          string
	AssistantMessage     string
	RankingSeedText      string
	VendorCandidateIDs   []string
	VendorCandidateSlugs []string
	RequestMeta          map[string]any
	ResponseMeta         map[string]any
}

const (
	reconcileReasonStale = "stale_pending_timeout"

	metaReconciledKey       = "reconciled"
	metaReconcileReasonKey  = "reconcileReason"
	metaReconciledAtKey     = "reconciledAt"
	metaFinalizedAtKey      = "finalizedAt"
	metaStreamingStartedKey = "streamingStartedAt"
)

var openStates = []CompletionState{StatePending, StateStreaming}

func forUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// lockOwnedSession takes the session row lock inside tx.
func lockOwnedSession(tx *gorm.DB, sessionID, userID string) error {
	var s Session
	err := tx.Clauses(forUpdate()).
		Select("id").
		Where("id = ? AND user_id = ?", sessionID, userID).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errNoMatch
	}
	return err
}

func lockOwnedTurn(tx *gorm.DB, sessionID, userID, turnID string) (*Turn, error) {
	var t Turn
	err := tx.Clauses(forUpdate()).
		Where("id = ? AND session_id = ? AND user_id = ?", turnID, sessionID, userID).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// findTurnByRequest looks up an earlier turn for the same request id. An empty
// request id never matches.
func findTurnByRequest(tx *gorm.DB, sessionID, userID, requestID string) (*Turn, error) {
	if requestID == "" {
		return nil, nil
	}
	var t Turn
	err := tx.Clauses(forUpdate()).
		Where("session_id = ? AND user_id = ? AND request_id = ?", sessionID, userID, requestID).
		Order("turn_index ASC").
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nextTurnIndex(tx *gorm.DB, sessionID string) (int, error) {
	var maxIdx int
	if err := tx.Model(&Turn{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(turn_index), 0)").
		Scan(&maxIdx).Error; err != nil {
		return 0, err
	}
	return maxIdx + 1, nil
}

func touchSession(tx *gorm.DB, sessionID, userID string, now time.Time) error {
	return tx.Model(&Session{}).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Updates(map[string]any{"updated_at": now, "last_message_at": now}).Error
}

// mergeMeta is a shallow merge; keys in update win.
func mergeMeta(base map[string]any, update map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(update)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func refFromTurn(t *Turn, existing bool) *TurnRef {
	return &TurnRef{
		ID:        t.ID,
		SessionID: t.SessionID,
		TurnIndex: t.TurnIndex,
		State:     t.CompletionState,
		Existing:  existing,
	}
}

// insertTurn runs the shared body of BeginTurn and AppendAssistantTurn: lock
// the session, deduplicate on request id, then insert at the next index.
func (r *Repo) insertTurn(ctx context.Context, in TurnInput, state CompletionState) (*TurnRef, error) {
	var ref *TurnRef
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwnedSession(tx, in.SessionID, in.UserID); err != nil {
			return err
		}

		existing, err := findTurnByRequest(tx, in.SessionID, in.UserID, in.RequestID)
		if err != nil {
			return fmt.Errorf("lookup request id: %w", err)
		}
		if existing != nil {
			ref = refFromTurn(existing, true)
			return nil
		}

		idx, err := nextTurnIndex(tx, in.SessionID)
		if err != nil {
			return fmt.Errorf("next turn index: %w", err)
		}

		now := r.now()
		meta := mergeMeta(in.ResponseMeta, map[string]any{metaCompletionStateKey: string(state)})
		if state.Terminal() {
			meta[metaFinalizedAtKey] = now.Format(time.RFC3339Nano)
		}

		t := &Turn{
			ID:                   NewID(),
			SessionID:            in.SessionID,
			UserID:               in.UserID,
			TurnIndex:            idx,
			RequestID:            optionalString(in.RequestID),
			UserMessage:          in.UserMessage,
			AssistantMessage:     in.AssistantMessage,
			RankingSeedText:      optionalString(in.RankingSeedText),
			VendorCandidateIDs:   datatypes.JSONSlice[string](in.VendorCandidateIDs),
			VendorCandidateSlugs: datatypes.JSONSlice[string](in.VendorCandidateSlugs),
			RequestMeta:          datatypes.JSONMap(in.RequestMeta),
			ResponseMeta:         meta,
			CompletionState:      state,
			CreatedAt:            now,
		}
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if err := touchSession(tx, in.SessionID, in.UserID, now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		ref = refFromTurn(t, false)
		return nil
	})
	if errors.Is(err, errNoMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// BeginTurn creates an in-progress turn with an empty assistant message, or
// returns the turn already created for the same request id.
// Returns nil when the session is missing or owned by someone else.
func (r *Repo) BeginTurn(ctx context.Context, in TurnInput, state CompletionState) (*TurnRef, error) {
	in.AssistantMessage = ""
	return r.insertTurn(ctx, in, state)
}

// AppendAssistantTurn stores a finished exchange in a single transaction.
func (r *Repo) AppendAssistantTurn(ctx context.Context, in TurnInput, state CompletionState) (*TurnRef, error) {
	return r.insertTurn(ctx, in, state)
}

func (r *Repo) concatExpr(delta string) clause.Expr {
	if r.db.Dialector.Name() == "mysql" {
		return gorm.Expr("CONCAT(assistant_message, ?)", delta)
	}
	return gorm.Expr("assistant_message || ?", delta)
}

// AppendTurnDelta appends delta to the stored assistant message in one
// UPDATE. It reports false when no owned turn matched.
func (r *Repo) AppendTurnDelta(ctx context.Context, sessionID, userID, turnID, delta string) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Turn{}).
			Where("id = ? AND session_id = ? AND user_id = ?", turnID, sessionID, userID).
			Update("assistant_message", r.concatExpr(delta))
		if res.Error != nil {
			return fmt.Errorf("append delta: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errNoMatch
		}
		if err := touchSession(tx, sessionID, userID, r.now()); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoMatch) {
		return false, nil
	}
	return err == nil, err
}

// MarkTurnStreaming moves a pending turn to streaming.
func (r *Repo) MarkTurnStreaming(ctx context.Context, sessionID, userID, turnID string) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := lockOwnedTurn(tx, sessionID, userID, turnID)
		if err != nil {
			return err
		}
		if t.CompletionState != StatePending {
			return errNoMatch
		}
		now := r.now()
		meta := mergeMeta(t.ResponseMeta, map[string]any{
			metaCompletionStateKey:  string(StateStreaming),
			metaStreamingStartedKey: now.Format(time.RFC3339Nano),
		})
		if err := tx.Model(&Turn{}).
			Where("id = ?", t.ID).
			Updates(map[string]any{
				"completion_state": StateStreaming,
				"response_meta":    meta,
			}).Error; err != nil {
			return fmt.Errorf("mark streaming: %w", err)
		}
		if err := touchSession(tx, sessionID, userID, now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoMatch) {
		return false, nil
	}
	return err == nil, err
}

// FinalizeTurn overwrites the assistant message and shallow-merges meta into
// response_meta. The state only moves forward: a turn that is already
// terminal keeps its state even though text and meta are rewritten.
func (r *Repo) FinalizeTurn(ctx context.Context, sessionID, userID, turnID, assistantMessage string, meta map[string]any, requested CompletionState) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := lockOwnedTurn(tx, sessionID, userID, turnID)
		if err != nil {
			return err
		}

		state := t.CompletionState
		if state.CanAdvanceTo(requested) {
			state = requested
		}

		now := r.now()
		merged := mergeMeta(t.ResponseMeta, meta)
		merged[metaCompletionStateKey] = string(state)
		if _, ok := merged[metaFinalizedAtKey]; !ok {
			merged[metaFinalizedAtKey] = now.Format(time.RFC3339Nano)
		}

		if err := tx.Model(&Turn{}).
			Where("id = ?", t.ID).
			Updates(map[string]any{
				"assistant_message": assistantMessage,
				"response_meta":     merged,
				"completion_state":  state,
			}).Error; err != nil {
			return fmt.Errorf("finalize turn: %w", err)
		}
		if err := touchSession(tx, sessionID, userID, now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoMatch) {
		return false, nil
	}
	return err == nil, err
}

// ReconcileStaleTurns fails up to limit of userID's turns created before
// cutoff that are still pending or streaming, oldest first. Partial assistant
// text is kept.
func (r *Repo) ReconcileStaleTurns(ctx context.Context, userID string, cutoff time.Time, limit int) (int, error) {
	count := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Turn
		if err := tx.Clauses(forUpdate()).
			Where("user_id = ? AND created_at < ? AND completion_state IN ?", userID, cutoff, openStates).
			Order("created_at ASC").
			Limit(limit).
			Find(&stale).Error; err != nil {
			return fmt.Errorf("select stale turns: %w", err)
		}
		if len(stale) == 0 {
			return nil
		}

		now := r.now()
		sessionIDs := make([]string, 0, len(stale))
		seen := make(map[string]struct{}, len(stale))
		for i := range stale {
			t := &stale[i]
			meta := mergeMeta(t.ResponseMeta, map[string]any{
				metaCompletionStateKey: string(StateFailed),
				metaReconciledKey:      true,
				metaReconcileReasonKey: reconcileReasonStale,
				metaReconciledAtKey:    now.Format(time.RFC3339Nano),
			})
			// Re-check the state so a finalize that won the lock first is kept.
			res := tx.Model(&Turn{}).
				Where("id = ? AND completion_state IN ?", t.ID, openStates).
				Updates(map[string]any{
					"completion_state": StateFailed,
					"response_meta":    meta,
				})
			if res.Error != nil {
				return fmt.Errorf("fail stale turn %s: %w", t.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			count++
			if _, ok := seen[t.SessionID]; !ok {
				seen[t.SessionID] = struct{}{}
				sessionIDs = append(sessionIDs, t.SessionID)
			}
		}

		if len(sessionIDs) > 0 {
			if err := tx.Model(&Session{}).
				Where("id IN ? AND user_id = ?", sessionIDs, userID).
				Update("updated_at", now).Error; err != nil {
				return fmt.Errorf("touch reconciled sessions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// StaleTurnOwners lists users that currently have stale open turns.
func (r *Repo) StaleTurnOwners(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var owners []string
	if err := r.db.WithContext(ctx).
		Model(&Turn{}).
		Distinct("user_id").
		Where("created_at < ? AND completion_state IN ?", cutoff, openStates).
		Limit(limit).
		Pluck("user_id", &owners).Error; err != nil {
		return nil, err
	}
	return owners, nil
}
