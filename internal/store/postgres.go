package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, coalesce(email, ''), password_hash, role, is_email_verified,
		       coalesce(verification_token, ''), created_at, updated_at
		FROM users WHERE id = $1
	`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, coalesce(email, ''), password_hash, role, is_email_verified,
		       coalesce(verification_token, ''), created_at, updated_at
		FROM users WHERE lower(email) = lower($1)
	`, email)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, nullable(user.VerificationToken))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token = $2, verification_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ListApprovers returns users allowed to vote on submissions.
func (s *PostgresStore) ListApprovers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, coalesce(email, ''), password_hash, role, is_email_verified,
		       coalesce(verification_token, ''), created_at, updated_at
		FROM users WHERE role IN ('approver', 'admin') ORDER BY display_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ── Password resets ──

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token = $1 AND expires_at > NOW() AND used_at IS NULL
	`, token).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("get password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at = NOW() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti = $1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// ── Submissions ──

func (s *PostgresStore) ListSubmissions(ctx context.Context) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, summary, body, status, author_id, updated_by, created_at, updated_at
		FROM submissions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var items []Submission
	for rows.Next() {
		var item Submission
		if err := rows.Scan(&item.ID, &item.Title, &item.Summary, &item.Body, &item.Status,
			&item.AuthorID, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	var item Submission
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, summary, body, status, author_id, updated_by, created_at, updated_at
		FROM submissions WHERE id = $1
	`, submissionID).Scan(&item.ID, &item.Title, &item.Summary, &item.Body, &item.Status,
		&item.AuthorID, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Submission{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, item Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, title, summary, body, status, author_id, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.Title, item.Summary, item.Body, item.Status, item.AuthorID, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubmissionContent(ctx context.Context, submissionID, title, summary, body, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET title = $2, summary = $3, body = $4, updated_by = $5, updated_at = NOW()
		WHERE id = $1
	`, submissionID, title, summary, body, updatedBy)
	if err != nil {
		return fmt.Errorf("update submission content: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubmissionStatus(ctx context.Context, submissionID, status, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = $2, updated_by = $3, updated_at = NOW() WHERE id = $1
	`, submissionID, status, updatedBy)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	return nil
}

// ── Approval votes ──

func (s *PostgresStore) UpsertApprovalVote(ctx context.Context, vote ApprovalVote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_votes (submission_id, reviewer_id, verdict, comment, voted_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (submission_id, reviewer_id)
		DO UPDATE SET verdict = EXCLUDED.verdict, comment = EXCLUDED.comment, voted_at = NOW()
	`, vote.SubmissionID, vote.ReviewerID, vote.Verdict, vote.Comment)
	if err != nil {
		return fmt.Errorf("upsert approval vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovalVotes(ctx context.Context, submissionID string) ([]ApprovalVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.submission_id, v.reviewer_id, u.display_name, v.verdict, v.comment, v.voted_at
		FROM approval_votes v
		JOIN users u ON u.id = v.reviewer_id
		WHERE v.submission_id = $1
		ORDER BY v.voted_at
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list approval votes: %w", err)
	}
	defer rows.Close()

	var votes []ApprovalVote
	for rows.Next() {
		var vote ApprovalVote
		if err := rows.Scan(&vote.SubmissionID, &vote.ReviewerID, &vote.ReviewerName,
			&vote.Verdict, &vote.Comment, &vote.VotedAt); err != nil {
			return nil, fmt.Errorf("scan approval vote: %w", err)
		}
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}

// ── Comments ──

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, submission_id, author_id, body) VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.SubmissionID, comment.AuthorID, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, submissionID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.submission_id, c.author_id, u.display_name, c.body, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.submission_id = $1
		ORDER BY c.created_at
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.SubmissionID, &comment.AuthorID,
			&comment.AuthorName, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// ── Media assets ──

func (s *PostgresStore) InsertMediaAsset(ctx context.Context, asset MediaAsset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_assets (id, submission_id, file_name, content_type, size_bytes, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, asset.ID, asset.SubmissionID, asset.FileName, asset.ContentType, asset.SizeBytes, asset.ObjectKey, asset.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert media asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMediaAsset(ctx context.Context, submissionID, assetID string) (MediaAsset, error) {
	var asset MediaAsset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, submission_id, file_name, content_type, size_bytes, object_key, uploaded_by, created_at
		FROM media_assets WHERE id = $1 AND submission_id = $2
	`, assetID, submissionID).Scan(&asset.ID, &asset.SubmissionID, &asset.FileName, &asset.ContentType,
		&asset.SizeBytes, &asset.ObjectKey, &asset.UploadedBy, &asset.CreatedAt)
	if err != nil {
		return MediaAsset{}, err
	}
	return asset, nil
}

func (s *PostgresStore) ListMediaAssets(ctx context.Context, submissionID string) ([]MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, file_name, content_type, size_bytes, object_key, uploaded_by, created_at
		FROM media_assets WHERE submission_id = $1 ORDER BY created_at
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	defer rows.Close()

	var assets []MediaAsset
	for rows.Next() {
		var asset MediaAsset
		if err := rows.Scan(&asset.ID, &asset.SubmissionID, &asset.FileName, &asset.ContentType,
			&asset.SizeBytes, &asset.ObjectKey, &asset.UploadedBy, &asset.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// ── helpers ──

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role,
		&user.IsEmailVerified, &user.VerificationToken, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
