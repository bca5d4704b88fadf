//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/teamrelay/internal/session"
	pgstore "github.com/nidhogg/teamrelay/internal/store"
	"github.com/nidhogg/teamrelay/migrations"
)

func archivedSession(id, issueID string, updated time.Time) *session.AgentSession {
	return &session.AgentSession{
		ID:                        id,
		IssueID:                   issueID,
		Status:                    session.StatusComplete,
		Platform:                  "linear",
		DownstreamRunnerSessionID: "runner-" + id,
		CreatedAt:                 updated.Add(-time.Minute),
		UpdatedAt:                 updated,
		IssueSummary:              session.IssueSummary{ID: issueID, Identifier: "ENG-" + id, Title: "Archive me"},
		Workspace:                 session.Workspace{Path: "/src/repo"},
		Metadata: &session.Metadata{
			Model:     "opus",
			Usage:     &session.Usage{InputTokens: 100, OutputTokens: 20},
			Procedure: &session.Procedure{Name: "full-development", StepHistory: []string{"research"}},
		},
	}
}

func TestArchiveSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := archivedSession("pg-1", "ISS-PG-1", now)
	require.NoError(t, testPGStore.ArchiveSession(ctx, "repo-1", s))

	got, err := testPGStore.GetSession(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "repo-1", got.RepositoryID)
	assert.Equal(t, session.StatusComplete, got.Session.Status)
	assert.Equal(t, "runner-pg-1", got.Session.DownstreamRunnerSessionID)
	assert.Equal(t, "ENG-pg-1", got.Session.IssueSummary.Identifier)
	require.NotNil(t, got.Session.Metadata)
	assert.Equal(t, "full-development", got.Session.Metadata.Procedure.Name)
	assert.WithinDuration(t, now, got.Session.UpdatedAt, time.Millisecond)

	// Upsert replaces the row.
	s.Status = session.StatusError
	s.UpdatedAt = now.Add(time.Second)
	require.NoError(t, testPGStore.ArchiveSession(ctx, "repo-1", s))
	got, err = testPGStore.GetSession(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Session.Status)
}

func TestListIssueSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, testPGStore.ArchiveSession(ctx, "repo-1", archivedSession("pg-old", "ISS-PG-2", base)))
	require.NoError(t, testPGStore.ArchiveSession(ctx, "repo-1", archivedSession("pg-new", "ISS-PG-2", base.Add(time.Minute))))
	require.NoError(t, testPGStore.ArchiveSession(ctx, "repo-1", archivedSession("pg-other", "ISS-PG-3", base)))

	rows, err := testPGStore.ListIssueSessions(ctx, "ISS-PG-2", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "pg-new", rows[0].Session.ID)
	assert.Equal(t, "pg-old", rows[1].Session.ID)

	rows, err = testPGStore.ListIssueSessions(ctx, "ISS-PG-2", 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetSessionNotFound(t *testing.T) {
	_, err := testPGStore.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, pgstore.ErrNotFound)
}

func TestMigrateIsRepeatable(t *testing.T) {
	require.NoError(t, testPGStore.Migrate(context.Background(), migrations.FS))
	require.NoError(t, testPGStore.Ping(context.Background()))
}
