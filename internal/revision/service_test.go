package revision

import (
	"strings"
	"testing"
)

func TestSubmissionHistoryLifecycle(t *testing.T) {
	svc := New(t.TempDir())

	initial := Content{Title: "Launch plan", Summary: "Q3 launch", Body: "<p>draft</p>"}
	if err := svc.EnsureRepo("sub_1", initial, "Ada Lovelace"); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	// Idempotent for an existing submission.
	if err := svc.EnsureRepo("sub_1", Content{Title: "other"}, "Ada Lovelace"); err != nil {
		t.Fatalf("EnsureRepo second call: %v", err)
	}

	content, head, err := svc.Head("sub_1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if content != initial {
		t.Fatalf("head content = %+v, want %+v", content, initial)
	}
	if head.Author != "Ada Lovelace" {
		t.Fatalf("head author = %q", head.Author)
	}

	updated := Content{Title: "Launch plan", Summary: "Q3 launch", Body: "<p>revised</p>"}
	rev, err := svc.Commit("sub_1", updated, "Grace Hopper", "Collaborative save")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev.Hash == head.Hash {
		t.Fatal("expected a new revision hash after a content change")
	}

	// Committing identical content returns the current head without a new
	// revision.
	same, err := svc.Commit("sub_1", updated, "Grace Hopper", "Collaborative save")
	if err != nil {
		t.Fatalf("Commit unchanged: %v", err)
	}
	if same.Hash != rev.Hash {
		t.Fatalf("unchanged commit produced new hash %s, want %s", same.Hash, rev.Hash)
	}

	history, err := svc.History("sub_1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Hash != rev.Hash {
		t.Fatalf("history[0] = %s, want newest revision %s", history[0].Hash, rev.Hash)
	}
	if !strings.Contains(history[1].Message, "baseline") {
		t.Fatalf("oldest history message = %q", history[1].Message)
	}

	old, err := svc.GetByHash("sub_1", history[1].Hash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if old != initial {
		t.Fatalf("GetByHash content = %+v, want %+v", old, initial)
	}

	limited, err := svc.History("sub_1", 1)
	if err != nil {
		t.Fatalf("History limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Hash != rev.Hash {
		t.Fatalf("limited history = %+v", limited)
	}
}

func TestCommitUnknownSubmission(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Commit("sub_missing", Content{Title: "x"}, "a", "msg"); err == nil {
		t.Fatal("expected error for unknown submission")
	}
}
