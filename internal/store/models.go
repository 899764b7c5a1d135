package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Submission is the shared artifact under review. Body is the serialized
// rich-text document; the realtime layer treats it as an opaque blob.
type Submission struct {
	ID        string
	Title     string
	Summary   string
	Body      string
	Status    string
	AuthorID  string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Submission status lifecycle.
const (
	StatusDraft     = "draft"
	StatusInReview  = "in_review"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusWithdrawn = "withdrawn"
)

// ApprovalVote is one reviewer's verdict on a submission. A reviewer's
// re-vote replaces the earlier one.
type ApprovalVote struct {
	SubmissionID string
	ReviewerID   string
	ReviewerName string
	Verdict      string
	Comment      string
	VotedAt      time.Time
}

const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

type Comment struct {
	ID           string
	SubmissionID string
	AuthorID     string
	AuthorName   string
	Body         string
	CreatedAt    time.Time
}

// MediaAsset is gallery metadata; the bytes live in object storage under
// ObjectKey.
type MediaAsset struct {
	ID           string
	SubmissionID string
	FileName     string
	ContentType  string
	SizeBytes    int64
	ObjectKey    string
	UploadedBy   string
	CreatedAt    time.Time
}

// RevisionInfo describes one commit in a submission's content history.
type RevisionInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
