package handlers

import (
	"context"

	"github.com/suPer8Hu/assistant-sessions/internal/chat"
	"github.com/suPer8Hu/assistant-sessions/internal/config"
)

// ReconcileEnqueuer hands a user's stale-turn sweep to a background worker.
type ReconcileEnqueuer interface {
	PublishReconcile(ctx context.Context, userID string) error
}

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
	// Reconciler is only used when Cfg.ReconcileMode is "queue".
	Reconciler ReconcileEnqueuer
}

func NewHandler(cfg config.Config, svc *chat.Service, reconciler ReconcileEnqueuer) *Handler {
	return &Handler{Cfg: cfg, ChatSvc: svc, Reconciler: reconciler}
}
