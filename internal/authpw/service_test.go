package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"draftroom/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type fakeUserStore struct {
	usersByEmail map[string]store.User
	usersByID    map[string]store.User
	resets       map[string]string
	resetUsed    map[string]bool
	verified     map[string]bool
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		usersByEmail: make(map[string]store.User),
		usersByID:    make(map[string]store.User),
		resets:       make(map[string]string),
		resetUsed:    make(map[string]bool),
		verified:     make(map[string]bool),
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.usersByEmail[email]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.usersByID[id]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.usersByEmail[user.Email] = user
	f.usersByID[user.ID] = user
	return nil
}

func (f *fakeUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, _ time.Time) error {
	return nil
}

func (f *fakeUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for email, user := range f.usersByEmail {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			f.usersByEmail[email] = user
			f.usersByID[user.ID] = user
			return nil
		}
	}
	return errors.New("invalid or expired verification token")
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := f.usersByID[userID]
	if !ok {
		return errors.New("not found")
	}
	user.PasswordHash = passwordHash
	f.usersByID[userID] = user
	f.usersByEmail[user.Email] = user
	return nil
}

func (f *fakeUserStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	if f.resetUsed[token] {
		return "", errors.New("used")
	}
	userID, ok := f.resets[token]
	if !ok {
		return "", errors.New("not found")
	}
	return userID, nil
}

func (f *fakeUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.resetUsed[token] = true
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	fake := newFakeUserStore()
	svc := NewService(fake)
	ctx := context.Background()

	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "ana@example.com", Password: "longenough", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if resp.VerificationToken == "" {
		t.Fatal("expected a verification token")
	}

	// Unverified accounts can authenticate but are flagged.
	signin, err := svc.SignIn(ctx, SignInRequest{Email: "ana@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !signin.RequiresVerify {
		t.Error("expected RequiresVerify before email verification")
	}

	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	signin, err = svc.SignIn(ctx, SignInRequest{Email: "ana@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("SignIn after verify: %v", err)
	}
	if signin.RequiresVerify {
		t.Error("did not expect RequiresVerify after verification")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fake := newFakeUserStore()
	svc := NewService(fake)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "dup@example.com", Password: "longenough", DisplayName: "One"}); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "dup@example.com", Password: "longenough", DisplayName: "Two"}); !errors.Is(err, ErrEmailExists) {
		t.Errorf("got %v, want ErrEmailExists", err)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"}); err == nil {
		t.Error("expected error for short password")
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	fake := newFakeUserStore()
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	fake.CreateUser(context.Background(), store.User{ID: "usr_1", Email: "x@example.com", PasswordHash: string(hash), IsEmailVerified: true})

	svc := NewService(fake)
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "x@example.com", Password: "wrong"}); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	fake := newFakeUserStore()
	svc := NewService(fake)
	ctx := context.Background()

	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "r@example.com", Password: "firstpassword", DisplayName: "R"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "r@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token for a known email")
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "secondpassword"}); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "r@example.com", Password: "firstpassword"}); err == nil {
		t.Error("old password should no longer work")
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "r@example.com", Password: "secondpassword"}); err != nil {
		t.Errorf("new password should work: %v", err)
	}

	// Token is single-use.
	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "thirdpassword"}); err == nil {
		t.Error("expected error reusing a reset token")
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	token, err := svc.RequestPasswordReset(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if token != "" {
		t.Error("unknown email must not yield a token")
	}
}
