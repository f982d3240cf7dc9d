package chat

import (
	"context"
	"sort"
	"strings"
)

// GetHistory returns up to maxTurns of the most recent turns as role-tagged
// messages, oldest first. maxTurns == 0 uses the configured default; any other
// value is clamped to [1, 24]. Blank user or assistant text is skipped.
func (s *Service) GetHistory(ctx context.Context, sessionID, userID string, maxTurns int) ([]HistoryMessage, error) {
	uid, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	sid, ok := NormalizeID(sessionID)
	if !ok {
		return []HistoryMessage{}, nil
	}
	if maxTurns == 0 {
		maxTurns = s.historyTurns
	}
	maxTurns = clampHistoryTurns(maxTurns)

	turns, err := s.repo.ListRecentTurnsDesc(ctx, uid, sid, maxTurns)
	if err != nil {
		return nil, err
	}
	return projectHistory(turns), nil
}

func projectHistory(turns []Turn) []HistoryMessage {
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].TurnIndex < turns[j].TurnIndex })

	out := make([]HistoryMessage, 0, len(turns)*2)
	for _, t := range turns {
		if u := strings.TrimSpace(t.UserMessage); u != "" {
			out = append(out, HistoryMessage{Role: RoleUser, Content: u})
		}
		if a := strings.TrimSpace(t.AssistantMessage); a != "" {
			out = append(out, HistoryMessage{Role: RoleAssistant, Content: a})
		}
	}
	return out
}
