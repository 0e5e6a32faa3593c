package dupdetect

import (
	"context"
	"errors"
	"testing"

	"bugbase/api/internal/store"
)

type staticLister struct {
	issues []store.Issue
	err    error
}

func (s *staticLister) ListIssues(context.Context) ([]store.Issue, error) {
	return s.issues, s.err
}

func TestSimilarIsContainmentInEitherDirection(t *testing.T) {
	existing := store.Issue{Title: "Login button broken on Safari"}
	cases := []struct {
		candidate string
		want      bool
	}{
		{"login", true},
		{"LOGIN", true},
		{"Login button broken on Safari and Chrome", true},
		{"Completely unrelated topic", false},
		{"safari", true},
	}
	for _, tc := range cases {
		if got := Similar(existing, tc.candidate); got != tc.want {
			t.Fatalf("Similar(%q) = %v, want %v", tc.candidate, got, tc.want)
		}
	}
}

func TestSimilarMatchesDescription(t *testing.T) {
	existing := store.Issue{
		Title:       "Checkout flow",
		Description: "Crash when the login token expires mid-session",
	}
	if !Similar(existing, "login token") {
		t.Fatal("description containment should match")
	}
}

func TestScanReturnsFirstMatchWithKind(t *testing.T) {
	lister := &staticLister{issues: []store.Issue{
		{ID: "iss_1", Title: "Unrelated widget glitch", Status: "Open"},
		{ID: "iss_2", Title: "Login page blank", Status: "Done"},
		{ID: "iss_3", Title: "Login spinner hangs", Status: "Open"},
	}}
	scan := NewScan(lister)

	match, err := scan.FindSimilar(context.Background(), "login")
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if match == nil || match.Issue.ID != "iss_2" {
		t.Fatalf("match = %+v, want first matching issue iss_2", match)
	}
	if match.Kind != KindHistorical {
		t.Fatalf("kind = %q, want historical for a Done issue", match.Kind)
	}
}

func TestScanReturnsNilWithoutMatch(t *testing.T) {
	scan := NewScan(&staticLister{issues: []store.Issue{{Title: "Payment timeout"}}})
	match, err := scan.FindSimilar(context.Background(), "Completely unrelated topic")
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if match != nil {
		t.Fatalf("match = %+v, want nil", match)
	}
}

func TestScanPropagatesListError(t *testing.T) {
	boom := errors.New("store down")
	scan := NewScan(&staticLister{err: boom})
	if _, err := scan.FindSimilar(context.Background(), "anything"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want store error", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(store.Issue{Status: "Open"}) != KindActive {
		t.Fatal("open issue should classify active")
	}
	if Classify(store.Issue{Status: "Done"}) != KindHistorical {
		t.Fatal("done issue should classify historical")
	}
	if Classify(store.Issue{Status: "In Progress", IsArchived: true}) != KindHistorical {
		t.Fatal("archived issue should classify historical")
	}
}
