package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidArgument = errors.New("chat: invalid argument")

const (
	defaultReuseWindow  = 120 * time.Minute
	defaultHistoryTurns = 8
	minHistoryTurns     = 1
	maxHistoryTurns     = 24

	DefaultReconcileOlderThan = 15 * time.Minute
	DefaultReconcileLimit     = 10

	schemaReprobeInterval = 30 * time.Second
)

type Options struct {
	// ReuseWindow bounds how old a session's last message may be for
	// prefer-recent reuse.
	ReuseWindow  time.Duration
	HistoryTurns int
	Logger       *zerolog.Logger
}

type Service struct {
	repo         *Repo
	log          zerolog.Logger
	reuseWindow  time.Duration
	historyTurns int

	capsMu       sync.Mutex
	caps         *SchemaCapabilities
	probedAt     time.Time
	reprobeEvery time.Duration
}

func NewService(repo *Repo, opts Options) *Service {
	if opts.ReuseWindow <= 0 {
		opts.ReuseWindow = defaultReuseWindow
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = defaultHistoryTurns
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "chat").Logger()
	}
	return &Service{
		repo:         repo,
		log:          log,
		reuseWindow:  opts.ReuseWindow,
		historyTurns: clampHistoryTurns(opts.HistoryTurns),
		reprobeEvery: schemaReprobeInterval,
	}
}

// Probe inspects the schema and records the result. A provisioned schema is
// kept for the life of the Service; a missing one is looked at again at most
// every 30 seconds, so tables migrated after startup are picked up.
func (s *Service) Probe(ctx context.Context) SchemaCapabilities {
	caps := s.probe(ctx)
	s.logger(ctx).Info().
		Bool("sessions_table", caps.SessionsTable).
		Bool("turns_table", caps.TurnsTable).
		Bool("session_identity_columns", caps.SessionIdentityColumns).
		Msg("Probed conversation schema")
	return caps
}

func (s *Service) probe(ctx context.Context) SchemaCapabilities {
	caps := s.repo.ProbeSchema(ctx)
	s.capsMu.Lock()
	s.caps = &caps
	s.probedAt = time.Now()
	s.capsMu.Unlock()
	return caps
}

func (s *Service) capabilities(ctx context.Context) SchemaCapabilities {
	s.capsMu.Lock()
	caps, probedAt := s.caps, s.probedAt
	s.capsMu.Unlock()

	if caps != nil && (caps.Ready() || time.Since(probedAt) < s.reprobeEvery) {
		return *caps
	}
	fresh := s.probe(ctx)
	if fresh.Ready() && caps != nil {
		s.logger(ctx).Info().Msg("Conversation schema is now provisioned")
	}
	return fresh
}

// logger prefers the request-scoped logger carried by ctx.
func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if ctxLog := zerolog.Ctx(ctx); ctxLog != nil && ctxLog.GetLevel() != zerolog.Disabled {
		return ctxLog
	}
	return &s.log
}

func requireUser(userID string) (string, error) {
	u := strings.TrimSpace(userID)
	if u == "" {
		return "", ErrInvalidArgument
	}
	return u, nil
}

func clampHistoryTurns(n int) int {
	if n < minHistoryTurns {
		return minHistoryTurns
	}
	if n > maxHistoryTurns {
		return maxHistoryTurns
	}
	return n
}
