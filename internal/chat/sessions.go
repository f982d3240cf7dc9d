package chat

import (
	"context"
	"strings"
)

type ResolveSessionInput struct {
	RequestedID  string
	PreferRecent bool
	UserID       string
	UserEmail    string
	UserName     string
	CompanyID    string
	Source       string
	Context      map[string]any
}

// ResolveSession finds, reuses or creates the session a turn should go into.
//
// A requested id is honoured only when it belongs to the caller. Without an
// explicit id, PreferRecent reuses the newest session with the same source and
// company touched inside the reuse window. Otherwise a new session is created.
// It returns nil (and no error) when the schema has not been provisioned.
func (s *Service) ResolveSession(ctx context.Context, in ResolveSessionInput) (*SessionRef, error) {
	userID, err := requireUser(in.UserID)
	if err != nil {
		return nil, err
	}
	caps := s.capabilities(ctx)
	if !caps.Ready() {
		s.logger(ctx).Debug().Msg("Conversation schema not provisioned, resolving to no session")
		return nil, nil
	}

	requested := strings.TrimSpace(in.RequestedID)
	if id, ok := NormalizeID(requested); ok {
		sess, err := s.repo.GetOwnedSession(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &SessionRef{ID: sess.ID, ReusedRequested: true}, nil
		}
		s.logger(ctx).Debug().Str("session_id", id).Msg("Requested session not found for user")
	}

	source := optionalString(strings.TrimSpace(in.Source))
	companyID := optionalString(strings.TrimSpace(in.CompanyID))

	if in.PreferRecent && requested == "" {
		since := s.repo.now().Add(-s.reuseWindow)
		sess, err := s.repo.FindRecentSession(ctx, userID, source, companyID, since)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &SessionRef{ID: sess.ID}, nil
		}
	}

	sess := &Session{
		ID:        NewID(),
		UserID:    userID,
		UserEmail: optionalString(strings.TrimSpace(in.UserEmail)),
		UserName:  optionalString(strings.TrimSpace(in.UserName)),
		CompanyID: companyID,
		Source:    source,
		Context:   in.Context,
	}
	if err := s.repo.CreateSession(ctx, sess, caps.SessionIdentityColumns); err != nil {
		return nil, err
	}
	s.logger(ctx).Debug().Str("session_id", sess.ID).Msg("Created conversation session")
	return &SessionRef{ID: sess.ID, Created: true}, nil
}
