package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntry(t *testing.T, store *memStore, id string, severity Severity, age time.Duration, now time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), &Entry{
		ID:           id,
		Action:       "data.read",
		ResourceType: "document",
		Severity:     severity,
		CreatedAt:    now.Add(-age),
	})
	require.NoError(t, err)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestCleanupDeletesExpiredNonCritical(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	archiver := &memArchiver{}
	svc := newTestService(t, store,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver),
	)

	seedEntry(t, store, "fresh", SeverityLow, days(10), now)
	seedEntry(t, store, "stale-low", SeverityLow, days(400), now)
	seedEntry(t, store, "stale-medium", SeverityMedium, days(366), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, 0, result.ArchivedCount)
	assert.Empty(t, result.Errors)

	remaining := store.all()
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)

	archived := archiver.archivedIDs()
	assert.True(t, archived["stale-low"])
	assert.True(t, archived["stale-medium"])
}

func TestCleanupKeepsCriticalWithinCriticalWindow(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	archiver := &memArchiver{}
	svc := newTestService(t, store,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver),
	)

	// Past the standard window but well inside the critical window.
	seedEntry(t, store, "crit-kept", SeverityCritical, days(400), now)
	// Past the critical window too.
	seedEntry(t, store, "crit-gone", SeverityCritical, days(2600), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeletedCount)
	assert.Equal(t, 1, result.ArchivedCount)

	remaining := store.all()
	require.Len(t, remaining, 1)
	assert.Equal(t, "crit-kept", remaining[0].ID)
	assert.NotNil(t, remaining[0].ArchivedAt)
}

func TestCleanupExpiredCriticalDeletedWithoutArchive(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	archiver := &memArchiver{}
	svc := newTestService(t, store,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver),
	)

	seedEntry(t, store, "crit-expired", SeverityCritical, days(2600), now)
	seedEntry(t, store, "stale-low", SeverityLow, days(400), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.DeletedCount)
	assert.Empty(t, store.all())

	archived := archiver.archivedIDs()
	assert.False(t, archived["crit-expired"])
	assert.True(t, archived["stale-low"])
}

func TestCleanupSkipsAlreadyArchivedCritical(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	archiver := &memArchiver{}
	svc := newTestService(t, store,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver),
	)

	archivedAt := now.Add(-days(5))
	require.NoError(t, store.Insert(context.Background(), &Entry{
		ID:           "crit-archived",
		Action:       "security.violation",
		ResourceType: "security",
		Severity:     SeverityCritical,
		CreatedAt:    now.Add(-days(400)),
		ArchivedAt:   &archivedAt,
	}))

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.DeletedCount)
	assert.Equal(t, 0, result.ArchivedCount)
	assert.Len(t, archiver.archivedIDs(), 0)
	assert.Len(t, store.all(), 1)
}

func TestCleanupArchiveFailureReportedNotFatal(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	archiver := &memArchiver{err: errors.New("bucket unavailable")}
	svc := newTestService(t, store,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver),
	)

	seedEntry(t, store, "stale", SeverityLow, days(400), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeletedCount)
	assert.NotEmpty(t, result.Errors)
	assert.Empty(t, store.all())
}

func TestCleanupHonorsShortenedPolicy(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	svc := newTestService(t, store, WithClock(func() time.Time { return now }))

	retention, critical := 30, 60
	_, err := svc.SetRetentionPolicy(RetentionPolicyUpdate{
		RetentionDays:              &retention,
		CriticalEventRetentionDays: &critical,
	})
	require.NoError(t, err)

	seedEntry(t, store, "recent", SeverityLow, days(10), now)
	seedEntry(t, store, "expired", SeverityLow, days(45), now)
	seedEntry(t, store, "crit-mid", SeverityCritical, days(45), now)
	seedEntry(t, store, "crit-old", SeverityCritical, days(90), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, 1, result.ArchivedCount)

	ids := make(map[string]bool)
	for _, e := range store.all() {
		ids[e.ID] = true
	}
	assert.True(t, ids["recent"])
	assert.True(t, ids["crit-mid"])
	assert.False(t, ids["expired"])
	assert.False(t, ids["crit-old"])
}

func TestCleanupNoArchiverStillMarksCritical(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	svc := newTestService(t, store, WithClock(func() time.Time { return now }))

	seedEntry(t, store, "crit", SeverityCritical, days(400), now)

	result, err := svc.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ArchivedCount)
	remaining := store.all()
	require.Len(t, remaining, 1)
	assert.NotNil(t, remaining[0].ArchivedAt)
}
