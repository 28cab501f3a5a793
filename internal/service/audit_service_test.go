package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-gateway/internal/models"
)

type auditRepoStub struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *auditRepoStub) Create(_ context.Context, log *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *auditRepoStub) snapshot() []*models.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.AuditLog(nil), a.entries...)
}

func TestAuditServiceWritesAsynchronously(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewAuditService(repo, 1, time.Second, zap.NewNop(), nil)
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Record(context.Background(), AuditEvent{
		UserID:  "u1",
		Action:  models.AuditActionReuseDetected,
		IP:      "10.0.0.1",
		Details: map[string]any{"session_id": "s1"},
	})

	require.Eventually(t, func() bool { return len(repo.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	entry := repo.snapshot()[0]
	assert.Equal(t, models.AuditActionReuseDetected, entry.Action)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "u1", *entry.UserID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(entry.NewValues, &details))
	assert.Equal(t, "s1", details["session_id"])
}

func TestAuditServiceDropsWhenNotStarted(t *testing.T) {
	repo := &auditRepoStub{}
	metrics := NewMetricsService()
	svc := NewAuditService(repo, 1, time.Second, zap.NewNop(), metrics)

	svc.Record(context.Background(), AuditEvent{Action: models.AuditActionLoginFailed})
	assert.Empty(t, repo.snapshot())
}
