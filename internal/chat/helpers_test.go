package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openRawDB returns an isolated in-memory database without any tables. The
// pool is pinned to one connection so transactions serialize the way row
// locks would on a server database.
func openRawDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openRawDB(t)
	require.NoError(t, db.AutoMigrate(&Session{}, &Turn{}), "automigrate")
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	svc := NewService(NewRepo(db), Options{})
	svc.Probe(context.Background())
	return svc, db
}

func mustSession(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	ref, err := svc.ResolveSession(context.Background(), ResolveSessionInput{UserID: userID})
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.True(t, ref.Created)
	return ref.ID
}

func mustBegin(t *testing.T, svc *Service, sessionID, userID, requestID, msg string) *TurnRef {
	t.Helper()
	ref, err := svc.BeginTurn(context.Background(), TurnInput{
		SessionID:   sessionID,
		UserID:      userID,
		RequestID:   requestID,
		UserMessage: msg,
	})
	require.NoError(t, err)
	require.NotNil(t, ref)
	return ref
}

func loadTurn(t *testing.T, db *gorm.DB, turnID string) Turn {
	t.Helper()
	var turn Turn
	require.NoError(t, db.Where("id = ?", turnID).Take(&turn).Error)
	return turn
}

func loadSession(t *testing.T, db *gorm.DB, sessionID string) Session {
	t.Helper()
	var s Session
	require.NoError(t, db.Where("id = ?", sessionID).Take(&s).Error)
	return s
}

func ageTurn(t *testing.T, db *gorm.DB, turnID string, age time.Duration) {
	t.Helper()
	require.NoError(t, db.Model(&Turn{}).
		Where("id = ?", turnID).
		Update("created_at", time.Now().UTC().Add(-age)).Error)
}

func ageSession(t *testing.T, db *gorm.DB, sessionID string, age time.Duration) {
	t.Helper()
	require.NoError(t, db.Model(&Session{}).
		Where("id = ?", sessionID).
		Update("last_message_at", time.Now().UTC().Add(-age)).Error)
}
