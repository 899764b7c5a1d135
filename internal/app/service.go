package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"draftroom/api/internal/auth"
	"draftroom/api/internal/authpw"
	"draftroom/api/internal/collab"
	"draftroom/api/internal/config"
	"draftroom/api/internal/email"
	"draftroom/api/internal/media"
	"draftroom/api/internal/rbac"
	"draftroom/api/internal/revision"
	"draftroom/api/internal/search"
	"draftroom/api/internal/store"
	"draftroom/api/internal/util"
)

// Session is an authenticated caller, reconstructed from an access token on
// every request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	UserEmail    string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	ListApprovers(ctx context.Context) ([]store.User, error)

	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	ListSubmissions(ctx context.Context) ([]store.Submission, error)
	GetSubmission(ctx context.Context, submissionID string) (store.Submission, error)
	InsertSubmission(ctx context.Context, item store.Submission) error
	UpdateSubmissionContent(ctx context.Context, submissionID, title, summary, body, updatedBy string) error
	UpdateSubmissionStatus(ctx context.Context, submissionID, status, updatedBy string) error

	UpsertApprovalVote(ctx context.Context, vote store.ApprovalVote) error
	ListApprovalVotes(ctx context.Context, submissionID string) ([]store.ApprovalVote, error)

	InsertComment(ctx context.Context, comment store.Comment) error
	ListComments(ctx context.Context, submissionID string) ([]store.Comment, error)

	InsertMediaAsset(ctx context.Context, asset store.MediaAsset) error
	GetMediaAsset(ctx context.Context, submissionID, assetID string) (store.MediaAsset, error)
	ListMediaAssets(ctx context.Context, submissionID string) ([]store.MediaAsset, error)
}

// RefreshStore persists refresh sessions keyed by token hash. Redis when
// configured, the primary database otherwise.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type storeSessions struct {
	store *store.PostgresStore
}

// NewStoreSessions adapts the primary database to RefreshStore for
// deployments without Redis.
func NewStoreSessions(s *store.PostgresStore) RefreshStore {
	return storeSessions{store: s}
}

func (a storeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return a.store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
}

func (a storeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	user, err := a.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (a storeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return a.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  RefreshStore
	accounts  *authpw.Service
	revisions *revision.Service
	search    *search.Service
	media     *media.Service
	email     *email.Service
	rooms     *collab.Registry
}

func New(
	cfg config.Config,
	st dataStore,
	sessions RefreshStore,
	accounts *authpw.Service,
	revisions *revision.Service,
	searchSvc *search.Service,
	mediaSvc *media.Service,
	emailSvc *email.Service,
	rooms *collab.Registry,
) *Service {
	if rooms == nil {
		rooms = collab.NewRegistry(collab.DefaultRoomOptions())
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		accounts:  accounts,
		revisions: revisions,
		search:    searchSvc,
		media:     mediaSvc,
		email:     emailSvc,
		rooms:     rooms,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Rooms() *collab.Registry {
	return s.rooms
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Auth

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	resp, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.SMTPConfigured() {
		url := fmt.Sprintf("%s/verify-email?token=%s", s.cfg.AppBaseURL, resp.VerificationToken)
		if err := s.email.SendVerificationEmail(req.Email, req.DisplayName, url); err != nil {
			log.Printf("app: verification email to %s failed: %v", req.Email, err)
		}
	}
	return resp, nil
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (*authpw.SignInResponse, error) {
	return s.accounts.SignIn(ctx, req)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.accounts.VerifyEmail(ctx, token)
}

func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return "", err
	}
	if token != "" && s.SMTPConfigured() {
		url := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.AppBaseURL, token)
		if err := s.email.SendPasswordResetEmail(emailAddr, "", url); err != nil {
			log.Printf("app: reset email to %s failed: %v", emailAddr, err)
		}
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	return s.accounts.ResetPassword(ctx, req)
}

// CreateSession issues a fresh access/refresh pair for a verified user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refresh := "rft_" + util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		UserEmail:    user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates the refresh token: the presented token is revoked and a
// new pair is issued, so a stolen token is good for at most one use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		UserEmail: claims.Email,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return fmt.Errorf("revoke refresh session: %w", err)
		}
	}
	return nil
}

// Submissions

func (s *Service) ListSubmissions(ctx context.Context) ([]map[string]any, error) {
	items, err := s.store.ListSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, s.submissionPayload(item, false))
	}
	return payload, nil
}

func (s *Service) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	payload := s.submissionPayload(sub, true)

	votes, err := s.store.ListApprovalVotes(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	payload["votes"] = votePayloads(votes)

	if room := s.rooms.Room(submissionID); room != nil {
		payload["activeUsers"] = room.MemberCount()
	} else {
		payload["activeUsers"] = 0
	}
	return payload, nil
}

func (s *Service) submissionPayload(sub store.Submission, includeBody bool) map[string]any {
	payload := map[string]any{
		"id":        sub.ID,
		"title":     sub.Title,
		"summary":   sub.Summary,
		"status":    sub.Status,
		"authorId":  sub.AuthorID,
		"updatedBy": sub.UpdatedBy,
		"createdAt": sub.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if includeBody {
		payload["body"] = sub.Body
	}
	return payload
}

func (s *Service) CreateSubmission(ctx context.Context, session Session, title, summary, body string) (map[string]any, error) {
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	sub := store.Submission{
		ID:        util.NewID("sub"),
		Title:     title,
		Summary:   summary,
		Body:      body,
		Status:    store.StatusDraft,
		AuthorID:  session.UserID,
		UpdatedBy: session.UserID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.InsertSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	if s.revisions != nil {
		content := revision.Content{Title: title, Summary: summary, Body: body}
		if err := s.revisions.EnsureRepo(sub.ID, content, session.UserName); err != nil {
			log.Printf("app: revision repo for %s failed: %v", sub.ID, err)
		}
	}
	s.indexSubmission(sub)
	return s.submissionPayload(sub, true), nil
}

func (s *Service) UpdateSubmission(ctx context.Context, session Session, submissionID, title, summary, body string) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != store.StatusDraft && sub.Status != store.StatusInReview {
		return nil, domainError(http.StatusConflict, "NOT_EDITABLE", "submission can no longer be edited", map[string]any{"status": sub.Status})
	}
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := s.store.UpdateSubmissionContent(ctx, submissionID, title, summary, body, session.UserID); err != nil {
		return nil, fmt.Errorf("update submission: %w", err)
	}
	if s.revisions != nil {
		content := revision.Content{Title: title, Summary: summary, Body: body}
		message := fmt.Sprintf("update by %s", session.UserName)
		if _, err := s.revisions.Commit(submissionID, content, session.UserName, message); err != nil {
			log.Printf("app: revision commit for %s failed: %v", submissionID, err)
		}
	}

	sub.Title, sub.Summary, sub.Body, sub.UpdatedBy = title, summary, body, session.UserID
	sub.UpdatedAt = time.Now()
	s.indexSubmission(sub)
	return s.submissionPayload(sub, true), nil
}

// Submit moves a draft into review and notifies the approver pool.
func (s *Service) Submit(ctx context.Context, session Session, submissionID string) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can submit", nil)
	}
	if sub.Status != store.StatusDraft {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS", "only drafts can be submitted for review", map[string]any{"status": sub.Status})
	}
	if err := s.setStatus(ctx, &sub, store.StatusInReview, session.UserID); err != nil {
		return nil, err
	}
	s.notifyApprovers(ctx, sub, session.UserName)
	return s.submissionPayload(sub, false), nil
}

func (s *Service) Withdraw(ctx context.Context, session Session, submissionID string) (map[string]any, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can withdraw", nil)
	}
	if sub.Status != store.StatusDraft && sub.Status != store.StatusInReview {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS", "submission is already decided", map[string]any{"status": sub.Status})
	}
	if err := s.setStatus(ctx, &sub, store.StatusWithdrawn, session.UserID); err != nil {
		return nil, err
	}
	return s.submissionPayload(sub, false), nil
}

// setStatus persists a status transition, reindexes, and tells the room.
func (s *Service) setStatus(ctx context.Context, sub *store.Submission, status, updatedBy string) error {
	if err := s.store.UpdateSubmissionStatus(ctx, sub.ID, status, updatedBy); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	sub.Status = status
	sub.UpdatedBy = updatedBy
	s.indexSubmission(*sub)
	s.broadcast(sub.ID, collab.TypeStatusChanged, collab.StatusChangedPayload{Status: status}, Session{})
	return nil
}

// Vote records an approver's verdict and applies the decision rule: any
// rejection rejects the submission, approvals at or past the quorum approve
// it. A reviewer's re-vote replaces the previous one.
func (s *Service) Vote(ctx context.Context, session Session, submissionID, verdict, comment string) (map[string]any, error) {
	if verdict != store.VerdictApproved && verdict != store.VerdictRejected {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "verdict must be approved or rejected", nil)
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != store.StatusInReview {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS", "submission is not in review", map[string]any{"status": sub.Status})
	}
	if sub.AuthorID == session.UserID {
		return nil, domainError(http.StatusForbidden, "SELF_APPROVAL", "authors cannot vote on their own submission", nil)
	}

	vote := store.ApprovalVote{
		SubmissionID: submissionID,
		ReviewerID:   session.UserID,
		ReviewerName: session.UserName,
		Verdict:      verdict,
		Comment:      comment,
		VotedAt:      time.Now(),
	}
	if err := s.store.UpsertApprovalVote(ctx, vote); err != nil {
		return nil, fmt.Errorf("upsert vote: %w", err)
	}
	s.broadcast(submissionID, collab.TypeApprovalAdded, collab.ApprovalAddedPayload{Verdict: verdict, Comment: comment}, session)

	votes, err := s.store.ListApprovalVotes(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	approvals := 0
	rejected := false
	for _, v := range votes {
		switch v.Verdict {
		case store.VerdictApproved:
			approvals++
		case store.VerdictRejected:
			rejected = true
		}
	}

	decided := ""
	if rejected {
		decided = store.StatusRejected
	} else if approvals >= s.cfg.ApprovalQuorum {
		decided = store.StatusApproved
	}
	if decided != "" {
		if err := s.setStatus(ctx, &sub, decided, session.UserID); err != nil {
			return nil, err
		}
		s.notifyAuthor(ctx, sub, decided)
	}

	return map[string]any{
		"submissionId": submissionID,
		"status":       sub.Status,
		"approvals":    approvals,
		"quorum":       s.cfg.ApprovalQuorum,
		"votes":        votePayloads(votes),
	}, nil
}

func (s *Service) ListVotes(ctx context.Context, submissionID string) ([]map[string]any, error) {
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	votes, err := s.store.ListApprovalVotes(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votePayloads(votes), nil
}

func votePayloads(votes []store.ApprovalVote) []map[string]any {
	payload := make([]map[string]any, 0, len(votes))
	for _, v := range votes {
		payload = append(payload, map[string]any{
			"reviewerId":   v.ReviewerID,
			"reviewerName": v.ReviewerName,
			"verdict":      v.Verdict,
			"comment":      v.Comment,
			"votedAt":      v.VotedAt.UTC().Format(time.RFC3339),
		})
	}
	return payload
}

// Comments

func (s *Service) AddComment(ctx context.Context, session Session, submissionID, body string) (map[string]any, error) {
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "comment body is required", nil)
	}
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	comment := store.Comment{
		ID:           util.NewID("cmt"),
		SubmissionID: submissionID,
		AuthorID:     session.UserID,
		AuthorName:   session.UserName,
		Body:         body,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:           comment.ID,
			Body:         comment.Body,
			AuthorName:   comment.AuthorName,
			SubmissionID: submissionID,
		})
	}
	s.broadcast(submissionID, collab.TypeCommentAdded, collab.CommentAddedPayload{
		CommentID:  comment.ID,
		Body:       comment.Body,
		AuthorName: comment.AuthorName,
	}, session)
	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, submissionID string) ([]map[string]any, error) {
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	payload := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		payload = append(payload, commentPayload(c))
	}
	return payload, nil
}

func commentPayload(c store.Comment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"authorId":   c.AuthorID,
		"authorName": c.AuthorName,
		"body":       c.Body,
		"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Media

func (s *Service) UploadMedia(ctx context.Context, session Session, submissionID, fileName, contentType string, size int64, reader io.Reader) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage not configured", nil)
	}
	if fileName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	assetID := util.NewID("med")
	objectKey := media.ObjectKey(submissionID, assetID, fileName)
	written, err := s.media.Upload(ctx, objectKey, reader, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	asset := store.MediaAsset{
		ID:           assetID,
		SubmissionID: submissionID,
		FileName:     fileName,
		ContentType:  contentType,
		SizeBytes:    written,
		ObjectKey:    objectKey,
		UploadedBy:   session.UserID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertMediaAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("insert media asset: %w", err)
	}
	return mediaPayload(asset), nil
}

func (s *Service) MediaDownloadURL(ctx context.Context, submissionID, assetID string) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage not configured", nil)
	}
	asset, err := s.store.GetMediaAsset(ctx, submissionID, assetID)
	if err != nil {
		return nil, err
	}
	url, err := s.media.PresignedGetURL(ctx, asset.ObjectKey, asset.FileName, 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("presign media url: %w", err)
	}
	return map[string]any{"url": url, "fileName": asset.FileName, "contentType": asset.ContentType}, nil
}

func (s *Service) ListMedia(ctx context.Context, submissionID string) ([]map[string]any, error) {
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	assets, err := s.store.ListMediaAssets(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	payload := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		payload = append(payload, mediaPayload(asset))
	}
	return payload, nil
}

func mediaPayload(asset store.MediaAsset) map[string]any {
	return map[string]any{
		"id":          asset.ID,
		"fileName":    asset.FileName,
		"contentType": asset.ContentType,
		"sizeBytes":   asset.SizeBytes,
		"uploadedBy":  asset.UploadedBy,
		"createdAt":   asset.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Revisions

func (s *Service) ListRevisions(ctx context.Context, submissionID string, limit int) ([]store.RevisionInfo, error) {
	if s.revisions == nil {
		return []store.RevisionInfo{}, nil
	}
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	history, err := s.revisions.History(submissionID, limit)
	if err != nil {
		return nil, fmt.Errorf("revision history: %w", err)
	}
	return history, nil
}

func (s *Service) GetRevision(ctx context.Context, submissionID, hash string) (map[string]any, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusServiceUnavailable, "REVISIONS_UNAVAILABLE", "revision history not configured", nil)
	}
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	content, err := s.revisions.GetByHash(submissionID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "revision not found", nil)
	}
	return map[string]any{
		"hash":    hash,
		"title":   content.Title,
		"summary": content.Summary,
		"body":    content.Body,
	}, nil
}

// Search

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Realtime plumbing

func (s *Service) indexSubmission(sub store.Submission) {
	if s.search == nil {
		return
	}
	s.search.IndexSubmission(search.SubmissionRecord{
		ID:      sub.ID,
		Title:   sub.Title,
		Summary: sub.Summary,
		Status:  sub.Status,
	})
}

// broadcast pushes a server-originated envelope to the submission's room, if
// one is live. A zero session leaves the sender fields blank.
func (s *Service) broadcast(submissionID string, msgType collab.MessageType, payload any, session Session) {
	room := s.rooms.Room(submissionID)
	if room == nil {
		return
	}
	env, err := collab.NewEnvelope(msgType, submissionID, payload)
	if err != nil {
		log.Printf("app: broadcast %s for %s failed: %v", msgType, submissionID, err)
		return
	}
	env.UserID = session.UserID
	env.UserName = session.UserName
	env.UserEmail = session.UserEmail
	room.Broadcast(env)
}

func (s *Service) notifyApprovers(ctx context.Context, sub store.Submission, authorName string) {
	if !s.SMTPConfigured() {
		return
	}
	approvers, err := s.store.ListApprovers(ctx)
	if err != nil {
		log.Printf("app: list approvers failed: %v", err)
		return
	}
	recipients := make([]string, 0, len(approvers))
	for _, u := range approvers {
		if u.ID != sub.AuthorID {
			recipients = append(recipients, u.Email)
		}
	}
	if len(recipients) == 0 {
		return
	}
	url := fmt.Sprintf("%s/submissions/%s", s.cfg.AppBaseURL, sub.ID)
	if err := s.email.SendReviewRequestEmail(recipients, sub.Title, authorName, url); err != nil {
		log.Printf("app: review request email failed: %v", err)
	}
}

func (s *Service) notifyAuthor(ctx context.Context, sub store.Submission, decision string) {
	if !s.SMTPConfigured() {
		return
	}
	author, err := s.store.GetUserByID(ctx, sub.AuthorID)
	if err != nil {
		log.Printf("app: load author for %s failed: %v", sub.ID, err)
		return
	}
	url := fmt.Sprintf("%s/submissions/%s", s.cfg.AppBaseURL, sub.ID)
	if err := s.email.SendDecisionEmail(author.Email, sub.Title, decision, url); err != nil {
		log.Printf("app: decision email failed: %v", err)
	}
}

// Bootstrap seeds demo accounts and a sample submission into an empty
// database so a fresh checkout is immediately usable. Safe to call on every
// start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetUserByEmail(ctx, "ada@draftroom.dev"); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("bootstrap probe: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("draftroom"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	seeds := []store.User{
		{ID: util.NewID("usr"), DisplayName: "Ada", Email: "ada@draftroom.dev", Role: "editor"},
		{ID: util.NewID("usr"), DisplayName: "Grace", Email: "grace@draftroom.dev", Role: "approver"},
		{ID: util.NewID("usr"), DisplayName: "Erin", Email: "erin@draftroom.dev", Role: "approver"},
		{ID: util.NewID("usr"), DisplayName: "Admin", Email: "admin@draftroom.dev", Role: "admin"},
	}
	for i := range seeds {
		seeds[i].PasswordHash = string(hash)
		seeds[i].IsEmailVerified = true
		if err := s.store.CreateUser(ctx, seeds[i]); err != nil {
			return fmt.Errorf("seed user %s: %w", seeds[i].Email, err)
		}
	}

	author := seeds[0]
	sub := store.Submission{
		ID:        util.NewID("sub"),
		Title:     "Welcome to Draftroom",
		Summary:   "A short tour of the review workflow.",
		Body:      "Draft, submit for review, and collect approvals. Open this submission in two browsers to watch live presence.",
		Status:    store.StatusDraft,
		AuthorID:  author.ID,
		UpdatedBy: author.ID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.InsertSubmission(ctx, sub); err != nil {
		return fmt.Errorf("seed submission: %w", err)
	}
	if s.revisions != nil {
		content := revision.Content{Title: sub.Title, Summary: sub.Summary, Body: sub.Body}
		if err := s.revisions.EnsureRepo(sub.ID, content, author.DisplayName); err != nil {
			log.Printf("app: seed revision repo failed: %v", err)
		}
	}
	s.indexSubmission(sub)
	log.Printf("app: bootstrapped %d demo users and a sample submission", len(seeds))
	return nil
}
