package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginTurn_IdempotentOnRequestID(t *testing.T) {
	svc, db := newTestService(t)
	sid := mustSession(t, svc, "u1")

	first := mustBegin(t, svc, sid, "u1", "req-1", "first text")
	second := mustBegin(t, svc, sid, "u1", "req-1", "retried with other text")

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, first.Existing)
	assert.True(t, second.Existing)
	assert.Equal(t, 1, second.TurnIndex)

	stored := loadTurn(t, db, first.ID)
	assert.Equal(t, "first text", stored.UserMessage)

	var count int64
	require.NoError(t, db.Model(&Turn{}).Where("session_id = ?", sid).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBeginTurn_EmptyRequestIDNeverDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)
	sid := mustSession(t, svc, "u1")

	a := mustBegin(t, svc, sid, "u1", "", "one")
	b := mustBegin(t, svc, sid, "u1", "  ", "two")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 1, a.TurnIndex)
	assert.Equal(t, 2, b.TurnIndex)
}

func TestBeginTurn_ConcurrentIndexesAreDense(t *testing.T) {
	svc, db := newTestService(t)
	sid := mustSession(t, svc, "u1")

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.BeginTurn(context.Background(), TurnInput{
				SessionID:   sid,
				UserID:      "u1",
				RequestID:   NewID(),
				UserMessage: "hi",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var indexes []int
	require.NoError(t, db.Model(&Turn{}).Where("session_id = ?", sid).Pluck("turn_index", &indexes).Error)
	sort.Ints(indexes)
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, indexes)
}

func TestBeginTurn_ForeignOrMissingSessionIsAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	sid := mustSession(t, svc, "owner")
	ctx := context.Background()

	ref, err := svc.BeginTurn(ctx, TurnInput{SessionID: sid, UserID: "intruder", UserMessage: "x"})
	assert.NoError(t, err)
	assert.Nil(t, ref)

	ref, err = svc.BeginTurn(ctx, TurnInput{SessionID: NewID(), UserID: "owner", UserMessage: "x"})
	assert.NoError(t, err)
	assert.Nil(t, ref)

	ref, err = svc.BeginTurn(ctx, TurnInput{SessionID: "garbage", UserID: "owner", UserMessage: "x"})
	assert.NoError(t, err)
	assert.Nil(t, ref)
}

func TestBeginTurn_StoresGroundingMetadataAndTouchesSession(t *testing.T) {
	svc, db := newTestService(t)
	sid := mustSession(t, svc, "u1")
	before := loadSession(t, db, sid)

	ref, err := svc.BeginTurn(context.Background(), TurnInput{
		SessionID:            sid,
		UserID:               "u1",
		RequestID:            "r",
		UserMessage:          "find me a supplier",
		RankingSeedText:      "supplier steel",
		VendorCandidateIDs:   []string{"10", "11"},
		VendorCandidateSlugs: []string{"acme", "steelco"},
		RequestMeta:          map[string]any{"locale": "en"},
		ResponseMeta:         map[string]any{"model": "m1", "completionState": "streaming"},
	})
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, StateStreaming, ref.State)

	stored := loadTurn(t, db, ref.ID)
	assert.Equal(t, "", stored.AssistantMessage)
	require.NotNil(t, stored.RankingSeedText)
	assert.Equal(t, "supplier steel", *stored.RankingSeedText)
	assert.Equal(t, []string{"10", "11"}, []string(stored.VendorCandidateIDs))
	assert.Equal(t, []string{"acme", "steelco"}, []string(stored.VendorCandidateSlugs))
	assert.Equal(t, "en", stored.RequestMeta["locale"])
	assert.Equal(t, "m1", stored.ResponseMeta["model"])
	assert.Equal(t, "streaming", stored.ResponseMeta["completionState"])

	after := loadSession(t, db, sid)
	assert.False(t, after.LastMessageAt.Before(stored.CreatedAt))
	assert.False(t, after.LastMessageAt.Before(before.LastMessageAt))
}

func TestBeginTurn_TerminalMetaStartsPending(t *testing.T) {
	svc, _ := newTestService(t)
	sid := mustSession(t, svc, "u1")

	ref, err := svc.BeginTurn(context.Background(), TurnInput{
		SessionID:    sid,
		UserID:       "u1",
		UserMessage:  "q",
		ResponseMeta: map[string]any{"completionState": "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, ref.State)
}

func TestStreamingTurn_DeltasThenFinalizeOverwrites(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")
	ref := mustBegin(t, svc, sid, "u1", "req", "say hello")

	ok, err := svc.MarkTurnStreaming(ctx, sid, "u1", ref.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.AppendTurnDelta(ctx, sid, "u1", ref.ID, "Hello")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.AppendTurnDelta(ctx, sid, "u1", ref.ID, " world")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Hello world", loadTurn(t, db, ref.ID).AssistantMessage)

	ok, err = svc.FinalizeTurn(ctx, sid, "u1", ref.ID, "Hello world!", map[string]any{"tokens": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	stored := loadTurn(t, db, ref.ID)
	assert.Equal(t, "Hello world!", stored.AssistantMessage)
	assert.Equal(t, StateCompleted, stored.CompletionState)
	assert.Equal(t, "completed", stored.ResponseMeta["completionState"])
	assert.Equal(t, json.Number("3"), stored.ResponseMeta["tokens"])
	assert.NotEmpty(t, stored.ResponseMeta["streamingStartedAt"])
}

func TestFinalizeTurn_MergesMetaShallowly(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")

	ref, err := svc.BeginTurn(ctx, TurnInput{
		SessionID:    sid,
		UserID:       "u1",
		UserMessage:  "q",
		ResponseMeta: map[string]any{"model": "m1", "provider": "p1"},
	})
	require.NoError(t, err)

	ok, err := svc.FinalizeTurn(ctx, sid, "u1", ref.ID, "a", map[string]any{"model": "m2", "latencyMs": 120})
	require.NoError(t, err)
	require.True(t, ok)

	meta := loadTurn(t, db, ref.ID).ResponseMeta
	assert.Equal(t, "m2", meta["model"])
	assert.Equal(t, "p1", meta["provider"])
	assert.Equal(t, json.Number("120"), meta["latencyMs"])
}

func TestFinalizeTurn_FailedState(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")
	ref := mustBegin(t, svc, sid, "u1", "", "q")

	ok, err := svc.FinalizeTurn(ctx, sid, "u1", ref.ID, "partial", map[string]any{"completionState": "failed", "error": "provider timeout"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateFailed, loadTurn(t, db, ref.ID).CompletionState)

	// A terminal turn never moves to another state, but the text is still rewritten.
	ok, err = svc.FinalizeTurn(ctx, sid, "u1", ref.ID, "late answer", nil)
	require.NoError(t, err)
	require.True(t, ok)
	stored := loadTurn(t, db, ref.ID)
	assert.Equal(t, StateFailed, stored.CompletionState)
	assert.Equal(t, "failed", stored.ResponseMeta["completionState"])
	assert.Equal(t, "late answer", stored.AssistantMessage)
}

func TestTurnMutations_OwnershipIsolation(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "owner")
	ref := mustBegin(t, svc, sid, "owner", "req", "mine")

	ok, err := svc.AppendTurnDelta(ctx, sid, "intruder", ref.ID, "injected")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.FinalizeTurn(ctx, sid, "intruder", ref.ID, "hijacked", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.MarkTurnStreaming(ctx, sid, "intruder", ref.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Right user, wrong session.
	other := mustSession(t, svc, "owner")
	ok, err = svc.AppendTurnDelta(ctx, other, "owner", ref.ID, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	stored := loadTurn(t, db, ref.ID)
	assert.Equal(t, "", stored.AssistantMessage)
	assert.Equal(t, StatePending, stored.CompletionState)
}

func TestTurnMutations_MalformedIDsReturnFalse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")

	ok, err := svc.AppendTurnDelta(ctx, sid, "u1", "nope", "x")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.FinalizeTurn(ctx, "nope", "u1", NewID(), "x", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.AppendTurnDelta(ctx, sid, "", NewID(), "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMarkTurnStreaming_OnlyFromPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")
	ref := mustBegin(t, svc, sid, "u1", "", "q")

	ok, err := svc.MarkTurnStreaming(ctx, sid, "u1", ref.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.MarkTurnStreaming(ctx, sid, "u1", ref.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAssistantSessionTurn(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")
	mustBegin(t, svc, sid, "u1", "", "earlier")

	ref, err := svc.AppendAssistantSessionTurn(ctx, TurnInput{
		SessionID:        sid,
		UserID:           "u1",
		RequestID:        "sync-1",
		UserMessage:      "question",
		AssistantMessage: "full answer",
		ResponseMeta:     map[string]any{"model": "m1"},
	})
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, 2, ref.TurnIndex)
	assert.Equal(t, StateCompleted, ref.State)

	stored := loadTurn(t, db, ref.ID)
	assert.Equal(t, "full answer", stored.AssistantMessage)
	assert.Equal(t, "m1", stored.ResponseMeta["model"])
	assert.Equal(t, "completed", stored.ResponseMeta["completionState"])

	again, err := svc.AppendAssistantSessionTurn(ctx, TurnInput{
		SessionID:        sid,
		UserID:           "u1",
		RequestID:        "sync-1",
		UserMessage:      "question",
		AssistantMessage: "different answer",
	})
	require.NoError(t, err)
	assert.Equal(t, ref.ID, again.ID)
	assert.Equal(t, "full answer", loadTurn(t, db, ref.ID).AssistantMessage)

	ref, err = svc.AppendAssistantSessionTurn(ctx, TurnInput{SessionID: sid, UserID: "intruder", UserMessage: "q", AssistantMessage: "a"})
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestGetTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := mustSession(t, svc, "u1")
	ref := mustBegin(t, svc, sid, "u1", "", "q")

	got, err := svc.GetTurn(ctx, sid, "u1", ref.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "q", got.UserMessage)

	got, err = svc.GetTurn(ctx, sid, "u2", ref.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
