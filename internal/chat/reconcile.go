package chat

import (
	"context"
	"fmt"
	"time"
)

// ReconcileStaleTurns fails the caller's turns that were started more than
// olderThan ago and never finalized. Zero values use 15 minutes and 10 turns.
// It returns how many turns were repaired.
func (s *Service) ReconcileStaleTurns(ctx context.Context, userID string, olderThan time.Duration, limit int) (int, error) {
	uid, err := requireUser(userID)
	if err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		olderThan = DefaultReconcileOlderThan
	}
	if limit <= 0 {
		limit = DefaultReconcileLimit
	}

	cutoff := s.repo.now().Add(-olderThan)
	n, err := s.repo.ReconcileStaleTurns(ctx, uid, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale turns: %w", err)
	}
	if n > 0 {
		s.logger(ctx).Info().
			Str("user_id", uid).
			Int("reconciled", n).
			Dur("older_than", olderThan).
			Msg("Reconciled stale turns")
	}
	return n, nil
}

// SweepStaleTurns reconciles up to maxUsers accounts that have stale turns.
// A failure for one user is logged and does not stop the sweep.
func (s *Service) SweepStaleTurns(ctx context.Context, olderThan time.Duration, maxUsers, perUserLimit int) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultReconcileOlderThan
	}
	if maxUsers <= 0 {
		maxUsers = 50
	}

	owners, err := s.repo.StaleTurnOwners(ctx, s.repo.now().Add(-olderThan), maxUsers)
	if err != nil {
		return 0, fmt.Errorf("list stale turn owners: %w", err)
	}

	total := 0
	for _, uid := range owners {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.ReconcileStaleTurns(ctx, uid, olderThan, perUserLimit)
		if err != nil {
			s.logger(ctx).Err(err).Str("user_id", uid).Msg("Failed to reconcile stale turns")
			continue
		}
		total += n
	}
	return total, nil
}
