package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"draftroom/api/internal/auth"
	"draftroom/api/internal/authpw"
	"draftroom/api/internal/collab"
	"draftroom/api/internal/config"
	"draftroom/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn            func(context.Context, string) (store.User, error)
	getUserByEmailFn         func(context.Context, string) (store.User, error)
	createUserFn             func(context.Context, store.User) error
	listApproversFn          func(context.Context) ([]store.User, error)
	isAccessTokenRevokedFn   func(context.Context, string) (bool, error)
	revokeAccessTokenFn      func(context.Context, string, time.Time) error
	listSubmissionsFn        func(context.Context) ([]store.Submission, error)
	getSubmissionFn          func(context.Context, string) (store.Submission, error)
	insertSubmissionFn       func(context.Context, store.Submission) error
	updateSubmissionStatusFn func(context.Context, string, string, string) error
	upsertApprovalVoteFn     func(context.Context, store.ApprovalVote) error
	listApprovalVotesFn      func(context.Context, string) ([]store.ApprovalVote, error)
	insertCommentFn          func(context.Context, store.Comment) error
	listCommentsFn           func(context.Context, string) ([]store.Comment, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) VerifyUserEmail(context.Context, string) error            { return nil }
func (f *fakeStore) UpdateUserPassword(context.Context, string, string) error { return nil }

func (f *fakeStore) ListApprovers(ctx context.Context) ([]store.User, error) {
	if f.listApproversFn != nil {
		return f.listApproversFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) ListSubmissions(ctx context.Context) ([]store.Submission, error) {
	if f.listSubmissionsFn != nil {
		return f.listSubmissionsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) GetSubmission(ctx context.Context, submissionID string) (store.Submission, error) {
	if f.getSubmissionFn != nil {
		return f.getSubmissionFn(ctx, submissionID)
	}
	return store.Submission{}, sql.ErrNoRows
}

func (f *fakeStore) InsertSubmission(ctx context.Context, item store.Submission) error {
	if f.insertSubmissionFn != nil {
		return f.insertSubmissionFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) UpdateSubmissionContent(context.Context, string, string, string, string, string) error {
	return nil
}

func (f *fakeStore) UpdateSubmissionStatus(ctx context.Context, submissionID, status, updatedBy string) error {
	if f.updateSubmissionStatusFn != nil {
		return f.updateSubmissionStatusFn(ctx, submissionID, status, updatedBy)
	}
	return nil
}

func (f *fakeStore) UpsertApprovalVote(ctx context.Context, vote store.ApprovalVote) error {
	if f.upsertApprovalVoteFn != nil {
		return f.upsertApprovalVoteFn(ctx, vote)
	}
	return nil
}

func (f *fakeStore) ListApprovalVotes(ctx context.Context, submissionID string) ([]store.ApprovalVote, error) {
	if f.listApprovalVotesFn != nil {
		return f.listApprovalVotesFn(ctx, submissionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, submissionID string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, submissionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertMediaAsset(context.Context, store.MediaAsset) error { return nil }
func (f *fakeStore) GetMediaAsset(context.Context, string, string) (store.MediaAsset, error) {
	return store.MediaAsset{}, sql.ErrNoRows
}
func (f *fakeStore) ListMediaAssets(context.Context, string) ([]store.MediaAsset, error) {
	return nil, nil
}

// memSessions is an in-memory RefreshStore for tests.
type memSessions struct {
	mu     sync.Mutex
	byHash map[string]string
}

func newMemSessions() *memSessions {
	return &memSessions{byHash: make(map[string]string)}
}

func (m *memSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[tokenHash] = userID
	return nil
}

func (m *memSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.byHash[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (m *memSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHash, tokenHash)
	return nil
}

func newTestService(fs dataStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret:    "test-secret",
			AccessTTL:      time.Hour,
			RefreshTTL:     24 * time.Hour,
			ApprovalQuorum: 2,
		},
		store:    fs,
		sessions: newMemSessions(),
		accounts: authpw.NewService(fs),
		rooms:    collab.NewRegistry(collab.DefaultRoomOptions()),
	}
}

func testSession(userID, name, role string) Session {
	return Session{UserID: userID, UserName: name, Role: role}
}

func TestCreateSessionRoundTripsThroughToken(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Ada", Email: "ada@draftroom.dev", Role: "editor"}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.RefreshToken == "" || session.Token == "" {
		t.Fatalf("expected token pair, got %+v", session)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != "usr_a" || parsed.UserName != "Ada" || parsed.UserEmail != "ada@draftroom.dev" || parsed.Role != "editor" {
		t.Fatalf("unexpected session: %+v", parsed)
	}
	if parsed.JTI != session.JTI {
		t.Fatalf("expected jti %q, got %q", session.JTI, parsed.JTI)
	}
}

func TestRefreshRotatesAndRevokesOldToken(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Ada", Role: "editor"}, nil
		},
	}
	svc := newTestService(fs)

	first, err := svc.CreateSession(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("expected replayed refresh token to be rejected")
	}
}

func TestRevokedAccessTokenIsRejected(t *testing.T) {
	revoked := make(map[string]bool)
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Ada", Role: "editor"}, nil
		},
		revokeAccessTokenFn: func(_ context.Context, jti string, _ time.Time) error {
			revoked[jti] = true
			return nil
		},
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return revoked[jti], nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr_a")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token after logout, got %v", err)
	}
}

func TestCreateSubmissionRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateSubmission(context.Background(), testSession("usr_a", "Ada", "editor"), "", "", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSubmitOnlyAllowedFromDraft(t *testing.T) {
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusInReview}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Submit(context.Background(), testSession("usr_a", "Ada", "editor"), "sub_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_STATUS" {
		t.Fatalf("expected INVALID_STATUS, got %v", err)
	}
}

func TestSubmitByNonAuthorForbidden(t *testing.T) {
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusDraft}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Submit(context.Background(), testSession("usr_b", "Bob", "editor"), "sub_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestVoteQuorumApprovesSubmission(t *testing.T) {
	statusChanges := []string{}
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusInReview}, nil
		},
		listApprovalVotesFn: func(context.Context, string) ([]store.ApprovalVote, error) {
			return []store.ApprovalVote{
				{ReviewerID: "usr_g", Verdict: store.VerdictApproved},
				{ReviewerID: "usr_e", Verdict: store.VerdictApproved},
			}, nil
		},
		updateSubmissionStatusFn: func(_ context.Context, _, status, _ string) error {
			statusChanges = append(statusChanges, status)
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Vote(context.Background(), testSession("usr_e", "Erin", "approver"), "sub_1", store.VerdictApproved, "looks good")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if payload["status"] != store.StatusApproved {
		t.Fatalf("expected approved, got %v", payload["status"])
	}
	if len(statusChanges) != 1 || statusChanges[0] != store.StatusApproved {
		t.Fatalf("expected one transition to approved, got %v", statusChanges)
	}
}

func TestVoteSingleApprovalBelowQuorumKeepsReview(t *testing.T) {
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusInReview}, nil
		},
		listApprovalVotesFn: func(context.Context, string) ([]store.ApprovalVote, error) {
			return []store.ApprovalVote{{ReviewerID: "usr_g", Verdict: store.VerdictApproved}}, nil
		},
		updateSubmissionStatusFn: func(context.Context, string, string, string) error {
			t.Fatal("status must not change below quorum")
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Vote(context.Background(), testSession("usr_g", "Grace", "approver"), "sub_1", store.VerdictApproved, "")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if payload["status"] != store.StatusInReview {
		t.Fatalf("expected in_review, got %v", payload["status"])
	}
}

func TestVoteAnyRejectionRejects(t *testing.T) {
	var decided string
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusInReview}, nil
		},
		listApprovalVotesFn: func(context.Context, string) ([]store.ApprovalVote, error) {
			return []store.ApprovalVote{
				{ReviewerID: "usr_g", Verdict: store.VerdictApproved},
				{ReviewerID: "usr_e", Verdict: store.VerdictRejected},
			}, nil
		},
		updateSubmissionStatusFn: func(_ context.Context, _, status, _ string) error {
			decided = status
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Vote(context.Background(), testSession("usr_e", "Erin", "approver"), "sub_1", store.VerdictRejected, "needs work")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if payload["status"] != store.StatusRejected || decided != store.StatusRejected {
		t.Fatalf("expected rejected, got payload=%v decided=%q", payload["status"], decided)
	}
}

func TestVoteOnOwnSubmissionForbidden(t *testing.T) {
	fs := &fakeStore{
		getSubmissionFn: func(_ context.Context, id string) (store.Submission, error) {
			return store.Submission{ID: id, AuthorID: "usr_a", Status: store.StatusInReview}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Vote(context.Background(), testSession("usr_a", "Ada", "approver"), "sub_1", store.VerdictApproved, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SELF_APPROVAL" {
		t.Fatalf("expected SELF_APPROVAL, got %v", err)
	}
}

func TestVoteRejectsUnknownVerdict(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Vote(context.Background(), testSession("usr_g", "Grace", "approver"), "sub_1", "maybe", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBootstrapSeedsOnlyOnce(t *testing.T) {
	var created []store.User
	var inserted int
	seeded := false
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			if seeded {
				return store.User{ID: "usr_ada", Email: email}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		createUserFn: func(_ context.Context, user store.User) error {
			created = append(created, user)
			return nil
		},
		insertSubmissionFn: func(context.Context, store.Submission) error {
			inserted++
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(created) != 4 || inserted != 1 {
		t.Fatalf("expected 4 users and 1 submission, got %d/%d", len(created), inserted)
	}
	for _, user := range created {
		if !user.IsEmailVerified || user.PasswordHash == "" {
			t.Fatalf("seed user %s not ready to sign in", user.Email)
		}
	}

	seeded = true
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("bootstrap must be idempotent, got %d users", len(created))
	}
}
