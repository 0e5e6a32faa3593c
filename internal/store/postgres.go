package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned when a conditional issue mutation matched the id
// but not the expected current value, meaning a concurrent writer got there
// first.
var ErrConflict = errors.New("write conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, photo_url, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.DisplayName, user.PhotoURL, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, photo_url, password_hash, role, created_at, updated_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PhotoURL, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, photo_url, password_hash, role, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PhotoURL, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, display_name, photo_url, role, created_at
		FROM users
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Email, &item.DisplayName, &item.PhotoURL, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// UpdateUserProfile changes the mutable profile fields. Email and role are
// never touched here.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, displayName, photoURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name=$2, photo_url=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, displayName, photoURL)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, priority, status, assigned_to, created_by, last_updated_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`, issue.ID, issue.Title, issue.Description, issue.Priority, issue.Status, issue.AssignedTo, issue.CreatedBy, issue.LastUpdatedBy)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

const issueColumns = `
	id, title, description, priority, status, assigned_to, created_by,
	is_archived, archived_at, archived_by, archive_reason,
	created_at, updated_at, last_updated_by, version
`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Priority,
		&item.Status,
		&item.AssignedTo,
		&item.CreatedBy,
		&item.IsArchived,
		&item.ArchivedAt,
		&item.ArchivedBy,
		&item.ArchiveReason,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.LastUpdatedBy,
		&item.Version,
	)
	return item, err
}

// GetIssue loads one issue with its full audit history, oldest entry first.
func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	item, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID))
	if err != nil {
		return Issue{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT field, from_value, to_value, changed_by, changed_at
		FROM issue_history
		WHERE issue_id=$1
		ORDER BY id ASC
	`, issueID)
	if err != nil {
		return Issue{}, fmt.Errorf("list issue history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record AuditRecord
		if err := rows.Scan(&record.Field, &record.From, &record.To, &record.By, &record.At); err != nil {
			return Issue{}, fmt.Errorf("scan audit record: %w", err)
		}
		item.History = append(item.History, record)
	}
	if err := rows.Err(); err != nil {
		return Issue{}, fmt.Errorf("iterate issue history: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueStatus applies one status transition as a single transaction:
// the conditional field write (guarded on the current status), the version
// increment, and the audit append either all commit or none do. Returns the
// new version.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, from, to, actor string) (int, error) {
	return s.mutateIssue(ctx, issueID, "status", from, to, actor, `
		UPDATE issues
		SET status=$2, updated_at=NOW(), last_updated_by=$3, version=version+1
		WHERE id=$1 AND status=$4
		RETURNING version
	`)
}

func (s *PostgresStore) UpdateIssueAssignee(ctx context.Context, issueID, from, to, actor string) (int, error) {
	return s.mutateIssue(ctx, issueID, "assignedTo", from, to, actor, `
		UPDATE issues
		SET assigned_to=$2, updated_at=NOW(), last_updated_by=$3, version=version+1
		WHERE id=$1 AND assigned_to=$4
		RETURNING version
	`)
}

func (s *PostgresStore) UpdateIssuePriority(ctx context.Context, issueID, from, to, actor string) (int, error) {
	return s.mutateIssue(ctx, issueID, "priority", from, to, actor, `
		UPDATE issues
		SET priority=$2, updated_at=NOW(), last_updated_by=$3, version=version+1
		WHERE id=$1 AND priority=$4
		RETURNING version
	`)
}

func (s *PostgresStore) mutateIssue(ctx context.Context, issueID, field, from, to, actor, query string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin issue mutation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, query, issueID, to, actor, from).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.mutationMiss(ctx, issueID)
	}
	if err != nil {
		return 0, fmt.Errorf("mutate issue %s: %w", field, err)
	}

	if err := appendHistory(ctx, tx, issueID, field, from, to, actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit issue mutation: %w", err)
	}
	return version, nil
}

// ArchiveIssue marks the issue archived, one-way. The audit record uses the
// Active/Archived pseudo-states on the status field.
func (s *PostgresStore) ArchiveIssue(ctx context.Context, issueID, actor, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE issues
		SET is_archived=TRUE, archived_at=NOW(), archived_by=$2, archive_reason=$3,
			updated_at=NOW(), last_updated_by=$2, version=version+1
		WHERE id=$1 AND is_archived=FALSE
		RETURNING version
	`, issueID, actor, reason).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.mutationMiss(ctx, issueID)
	}
	if err != nil {
		return 0, fmt.Errorf("archive issue: %w", err)
	}

	if err := appendHistory(ctx, tx, issueID, "status", "Active", "Archived", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return version, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, issueID, field, from, to, actor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issue_history (issue_id, field, from_value, to_value, changed_by)
		VALUES ($1, $2, $3, $4, $5)
	`, issueID, field, from, to, actor)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// mutationMiss distinguishes a vanished issue from a lost conditional write.
func (s *PostgresStore) mutationMiss(ctx context.Context, issueID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issues WHERE id=$1)`, issueID).Scan(&exists); err != nil {
		return fmt.Errorf("check issue exists: %w", err)
	}
	if exists {
		return ErrConflict
	}
	return sql.ErrNoRows
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, issue_id, body, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, comment.ID, comment.IssueID, comment.Text, comment.CreatedBy).Scan(&comment.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, body, created_by, created_at
		FROM comments
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.Text, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, notification Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_email, message, issue_id)
		VALUES ($1, $2, $3, $4)
	`, notification.ID, notification.UserEmail, notification.Message, notification.IssueID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userEmail string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, message, issue_id, read, created_at
		FROM notifications
		WHERE user_email=$1
		ORDER BY created_at DESC
	`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserEmail, &item.Message, &item.IssueID, &item.Read, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead flips read=true, the only mutation notifications
// support. The owner filter stops users from acking someone else's inbox.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userEmail, notificationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE
		WHERE id=$1 AND user_email=$2
	`, notificationID, userEmail)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name, u.photo_url, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PhotoURL, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
