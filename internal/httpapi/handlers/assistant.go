package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/assistant-sessions/internal/chat"
	"github.com/suPer8Hu/assistant-sessions/internal/config"
)

const maxRequestIDLen = 128

type resolveSessionReq struct {
	SessionID    string         `json:"session_id"`
	PreferRecent bool           `json:"prefer_recent"`
	CompanyID    string         `json:"company_id"`
	Source       string         `json:"source"`
	Context      map[string]any `json:"context"`
}

func (h *Handler) ResolveSession(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req resolveSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ref, err := h.ChatSvc.ResolveSession(c.Request.Context(), chat.ResolveSessionInput{
		RequestedID:  req.SessionID,
		PreferRecent: req.PreferRecent,
		UserID:       id.UserID,
		UserEmail:    id.Email,
		UserName:     id.Name,
		CompanyID:    req.CompanyID,
		Source:       req.Source,
		Context:      req.Context,
	})
	if err != nil {
		internalError(c, "resolve_session", err)
		return
	}
	if ref == nil {
		// Clients fall back to a history-less chat.
		fail(c, http.StatusServiceUnavailable, 50301, "conversation store not provisioned")
		return
	}

	ok(c, gin.H{
		"session_id":       ref.ID,
		"created":          ref.Created,
		"reused_requested": ref.ReusedRequested,
	})
}

func (h *Handler) GetHistory(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	maxTurns, _ := strconv.Atoi(c.Query("max_turns"))
	msgs, err := h.ChatSvc.GetHistory(c.Request.Context(), c.Param("session_id"), id.UserID, maxTurns)
	if err != nil {
		internalError(c, "get_history", err)
		return
	}
	ok(c, gin.H{"messages": msgs})
}

type beginTurnReq struct {
	RequestID            string         `json:"request_id"`
	Message              string         `json:"message" binding:"required"`
	RankingSeedText      string         `json:"ranking_seed_text"`
	VendorCandidateIDs   []string       `json:"vendor_candidate_ids"`
	VendorCandidateSlugs []string       `json:"vendor_candidate_slugs"`
	RequestMeta          map[string]any `json:"request_meta"`
	ResponseMeta         map[string]any `json:"response_meta"`
}

// requestIDFor prefers the Idempotency-Key header over the body field.
func requestIDFor(c *gin.Context, body string) (string, bool) {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(body)
	}
	if len(key) > maxRequestIDLen {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return "", false
	}
	return key, true
}

func (req beginTurnReq) input(sessionID, userID, requestID string) chat.TurnInput {
	return chat.TurnInput{
		SessionID:            sessionID,
		UserID:               userID,
		RequestID:            requestID,
		UserMessage:          req.Message,
		RankingSeedText:      req.RankingSeedText,
		VendorCandidateIDs:   req.VendorCandidateIDs,
		VendorCandidateSlugs: req.VendorCandidateSlugs,
		RequestMeta:          req.RequestMeta,
		ResponseMeta:         req.ResponseMeta,
	}
}

func (h *Handler) BeginTurn(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req beginTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	requestID, valid := requestIDFor(c, req.RequestID)
	if !valid {
		return
	}

	h.reconcileBeforeTurn(c, id.UserID)

	ref, err := h.ChatSvc.BeginTurn(c.Request.Context(), req.input(c.Param("session_id"), id.UserID, requestID))
	if err != nil {
		internalError(c, "begin_turn", err)
		return
	}
	if ref == nil {
		fail(c, http.StatusNotFound, 40401, "session not found")
		return
	}
	ok(c, gin.H{"turn": ref})
}

// reconcileBeforeTurn sweeps the caller's abandoned turns before a new one
// starts. Failures never block the new turn.
func (h *Handler) reconcileBeforeTurn(c *gin.Context, userID string) {
	ctx := c.Request.Context()
	log := zerolog.Ctx(ctx)
	switch h.Cfg.ReconcileMode {
	case config.ReconcileInline:
		if _, err := h.ChatSvc.ReconcileStaleTurns(ctx, userID, h.Cfg.ReconcileOlderThan, h.Cfg.ReconcileLimit); err != nil {
			log.Warn().Err(err).Msg("Inline reconcile failed")
		}
	case config.ReconcileQueue:
		if h.Reconciler == nil {
			return
		}
		if err := h.Reconciler.PublishReconcile(ctx, userID); err != nil {
			log.Warn().Err(err).Msg("Failed to enqueue reconcile request")
		}
	}
}

func (h *Handler) MarkTurnStreaming(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	done, err := h.ChatSvc.MarkTurnStreaming(c.Request.Context(), c.Param("session_id"), id.UserID, c.Param("turn_id"))
	if err != nil {
		internalError(c, "mark_streaming", err)
		return
	}
	if !done {
		fail(c, http.StatusConflict, 40901, "turn not found or not pending")
		return
	}
	ok(c, gin.H{"streaming": true})
}

type appendDeltaReq struct {
	Delta string `json:"delta"`
}

func (h *Handler) AppendTurnDelta(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req appendDeltaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	done, err := h.ChatSvc.AppendTurnDelta(c.Request.Context(), c.Param("session_id"), id.UserID, c.Param("turn_id"), req.Delta)
	if err != nil {
		internalError(c, "append_delta", err)
		return
	}
	if !done {
		fail(c, http.StatusNotFound, 40402, "turn not found")
		return
	}
	ok(c, gin.H{"appended": true})
}

type finalizeTurnReq struct {
	AssistantMessage string         `json:"assistant_message"`
	ResponseMeta     map[string]any `json:"response_meta"`
}

func (h *Handler) FinalizeTurn(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req finalizeTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	done, err := h.ChatSvc.FinalizeTurn(c.Request.Context(), c.Param("session_id"), id.UserID, c.Param("turn_id"), req.AssistantMessage, req.ResponseMeta)
	if err != nil {
		internalError(c, "finalize_turn", err)
		return
	}
	if !done {
		fail(c, http.StatusNotFound, 40402, "turn not found")
		return
	}
	ok(c, gin.H{"finalized": true})
}

type completeTurnReq struct {
	beginTurnReq
	AssistantMessage string `json:"assistant_message" binding:"required"`
}

func (h *Handler) AppendCompletedTurn(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req completeTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	requestID, valid := requestIDFor(c, req.RequestID)
	if !valid {
		return
	}

	in := req.input(c.Param("session_id"), id.UserID, requestID)
	in.AssistantMessage = req.AssistantMessage
	ref, err := h.ChatSvc.AppendAssistantSessionTurn(c.Request.Context(), in)
	if err != nil {
		internalError(c, "append_turn", err)
		return
	}
	if ref == nil {
		fail(c, http.StatusNotFound, 40401, "session not found")
		return
	}
	ok(c, gin.H{"turn": ref})
}

type reconcileReq struct {
	OlderThanMinutes int `json:"older_than_minutes"`
	Limit            int `json:"limit"`
}

func (h *Handler) Reconcile(c *gin.Context) {
	id, found := identity(c)
	if !found {
		return
	}

	var req reconcileReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	olderThan := h.Cfg.ReconcileOlderThan
	if req.OlderThanMinutes > 0 {
		olderThan = time.Duration(req.OlderThanMinutes) * time.Minute
	}
	limit := h.Cfg.ReconcileLimit
	if req.Limit > 0 {
		limit = req.Limit
	}

	n, err := h.ChatSvc.ReconcileStaleTurns(c.Request.Context(), id.UserID, olderThan, limit)
	if err != nil {
		internalError(c, "reconcile", err)
		return
	}
	ok(c, gin.H{"reconciled": n})
}
