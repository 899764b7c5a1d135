package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSubmission ResultType = "submission"
	ResultComment    ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	SubmissionID string     `json:"submissionId"`
	Status       string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SubmissionRecord is the data we index for a submission.
type SubmissionRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	AuthorName   string `json:"authorName"`
	SubmissionID string `json:"submissionId"`
}
