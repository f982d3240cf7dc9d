package chat

import (
	"context"
	"strings"
)

// BeginTurn opens a turn for a streamed answer. Calling it again with the same
// request id returns the original turn untouched. It returns nil when the
// session id is malformed, missing, or owned by another user.
func (s *Service) BeginTurn(ctx context.Context, in TurnInput) (*TurnRef, error) {
	in, ok, err := s.normalizeTurnInput(in)
	if err != nil || !ok {
		return nil, err
	}

	state := stateFromMeta(in.ResponseMeta)
	if state.Terminal() {
		// A turn cannot start out finished; that is what AppendAssistantSessionTurn is for.
		state = StatePending
	}

	ref, err := s.repo.BeginTurn(ctx, in, state)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		s.logger(ctx).Debug().Str("session_id", in.SessionID).Msg("Begin turn: session not owned by user")
		return nil, nil
	}
	if ref.Existing {
		s.logger(ctx).Debug().
			Str("turn_id", ref.ID).
			Str("request_id", in.RequestID).
			Msg("Begin turn deduplicated on request id")
	}
	return ref, nil
}

// AppendAssistantSessionTurn records a finished exchange in one transaction.
func (s *Service) AppendAssistantSessionTurn(ctx context.Context, in TurnInput) (*TurnRef, error) {
	in, ok, err := s.normalizeTurnInput(in)
	if err != nil || !ok {
		return nil, err
	}

	state := stateFromMeta(in.ResponseMeta)
	if !state.Terminal() {
		state = StateCompleted
	}
	return s.repo.AppendAssistantTurn(ctx, in, state)
}

// MarkTurnStreaming flags a pending turn as streaming.
func (s *Service) MarkTurnStreaming(ctx context.Context, sessionID, userID, turnID string) (bool, error) {
	sid, tid, uid, ok, err := normalizeTurnTarget(sessionID, userID, turnID)
	if err != nil || !ok {
		return false, err
	}
	return s.repo.MarkTurnStreaming(ctx, sid, uid, tid)
}

// AppendTurnDelta appends a fragment to the assistant answer. A false result
// means nothing was recorded.
func (s *Service) AppendTurnDelta(ctx context.Context, sessionID, userID, turnID, delta string) (bool, error) {
	sid, tid, uid, ok, err := normalizeTurnTarget(sessionID, userID, turnID)
	if err != nil || !ok {
		return false, err
	}
	return s.repo.AppendTurnDelta(ctx, sid, uid, tid, delta)
}

// FinalizeTurn stores the complete answer, replacing any accumulated deltas,
// and merges meta into the turn's response metadata. meta may carry
// completionState "failed"; anything else finalizes as completed.
func (s *Service) FinalizeTurn(ctx context.Context, sessionID, userID, turnID, assistantMessage string, meta map[string]any) (bool, error) {
	sid, tid, uid, ok, err := normalizeTurnTarget(sessionID, userID, turnID)
	if err != nil || !ok {
		return false, err
	}

	requested := stateFromMeta(meta)
	if !requested.Terminal() {
		requested = StateCompleted
	}

	done, err := s.repo.FinalizeTurn(ctx, sid, uid, tid, assistantMessage, meta, requested)
	if err != nil {
		return false, err
	}
	if !done {
		s.logger(ctx).Debug().Str("turn_id", tid).Msg("Finalize turn: no matching turn for user")
	}
	return done, nil
}

// GetTurn returns one of the caller's turns, or nil.
func (s *Service) GetTurn(ctx context.Context, sessionID, userID, turnID string) (*Turn, error) {
	sid, tid, uid, ok, err := normalizeTurnTarget(sessionID, userID, turnID)
	if err != nil || !ok {
		return nil, err
	}
	return s.repo.GetOwnedTurn(ctx, sid, uid, tid)
}

func (s *Service) normalizeTurnInput(in TurnInput) (TurnInput, bool, error) {
	uid, err := requireUser(in.UserID)
	if err != nil {
		return in, false, err
	}
	sid, ok := NormalizeID(in.SessionID)
	if !ok {
		return in, false, nil
	}
	in.UserID = uid
	in.SessionID = sid
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.RankingSeedText = strings.TrimSpace(in.RankingSeedText)
	return in, true, nil
}

func normalizeTurnTarget(sessionID, userID, turnID string) (sid, tid, uid string, ok bool, err error) {
	uid, err = requireUser(userID)
	if err != nil {
		return "", "", "", false, err
	}
	sid, ok = NormalizeID(sessionID)
	if !ok {
		return "", "", "", false, nil
	}
	tid, ok = NormalizeID(turnID)
	if !ok {
		return "", "", "", false, nil
	}
	return sid, tid, uid, true, nil
}
