package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/teamrelay/internal/session"
)

// ErrNotFound is returned when an archived session does not exist.
var ErrNotFound = errors.New("archived session not found")

// ArchivedSession is a session row with the repository it belongs to.
type ArchivedSession struct {
	RepositoryID string                `json:"repositoryId"`
	Session      *session.AgentSession `json:"session"`
}

// ArchiveSession inserts or replaces the archived copy of a session.
func (s *Store) ArchiveSession(ctx context.Context, repoID string, sess *session.AgentSession) error {
	issueJSON, err := json.Marshal(sess.IssueSummary)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	wsJSON, err := json.Marshal(sess.Workspace)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	var metaJSON []byte
	if sess.Metadata != nil {
		metaJSON, err = json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_sessions (id, repository_id, issue_id, status, platform, runner_session_id,
			issue, workspace, metadata, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			runner_session_id = EXCLUDED.runner_session_id,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			archived_at = now()`,
		sess.ID, repoID, sess.IssueID, string(sess.Status), sess.Platform, sess.DownstreamRunnerSessionID,
		issueJSON, wsJSON, metaJSON, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", sess.ID, err)
	}
	return nil
}

const selectSession = `
	SELECT repository_id, id, issue_id, status, platform, runner_session_id,
		issue, workspace, metadata, created_at, updated_at
	FROM agent_sessions`

// GetSession returns an archived session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*ArchivedSession, error) {
	row := s.db.QueryRow(ctx, selectSession+` WHERE id = $1`, id)
	a, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return a, nil
}

// ListIssueSessions returns the archived sessions of an issue, most recently
// updated first.
func (s *Store) ListIssueSessions(ctx context.Context, issueID string, limit int) ([]*ArchivedSession, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, selectSession+`
		WHERE issue_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list issue sessions: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedSession
	for rows.Next() {
		a, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*ArchivedSession, error) {
	var (
		a                      ArchivedSession
		sess                   session.AgentSession
		status                 string
		issueJSON, wsJSON, met []byte
	)
	if err := row.Scan(&a.RepositoryID, &sess.ID, &sess.IssueID, &status, &sess.Platform,
		&sess.DownstreamRunnerSessionID, &issueJSON, &wsJSON, &met, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if err := json.Unmarshal(issueJSON, &sess.IssueSummary); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	if err := json.Unmarshal(wsJSON, &sess.Workspace); err != nil {
		return nil, fmt.Errorf("decode workspace: %w", err)
	}
	if len(met) > 0 {
		sess.Metadata = &session.Metadata{}
		if err := json.Unmarshal(met, sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	a.Session = &sess
	return &a, nil
}
