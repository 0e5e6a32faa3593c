// Package dupdetect flags likely duplicates at issue creation time.
//
// The policy is first match wins, not best match: callers get the first
// issue whose title or description overlaps the candidate title, in whatever
// order the backing implementation yields issues. The Detector interface
// isolates that policy so an indexed or fuzzy implementation can replace the
// scan without touching the workflow layer.
package dupdetect

import (
	"context"
	"strings"

	"bugbase/api/internal/store"
)

type Kind string

const (
	// KindActive means the matched issue is still open work; creation
	// should warn before overriding.
	KindActive Kind = "active"
	// KindHistorical means the matched issue is done or archived; the match
	// is informational.
	KindHistorical Kind = "historical"
)

type Match struct {
	Issue store.Issue
	Kind  Kind
}

type Detector interface {
	FindSimilar(ctx context.Context, title string) (*Match, error)
}

// IssueLister is the slice of the store the scan detector needs.
type IssueLister interface {
	ListIssues(ctx context.Context) ([]store.Issue, error)
}

// Scan is the naive full-collection detector. O(n) per lookup; fine while
// the issue volume stays small.
type Scan struct {
	issues IssueLister
}

func NewScan(issues IssueLister) *Scan {
	return &Scan{issues: issues}
}

func (s *Scan) FindSimilar(ctx context.Context, title string) (*Match, error) {
	existing, err := s.issues.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	for _, issue := range existing {
		if Similar(issue, title) {
			return &Match{Issue: issue, Kind: Classify(issue)}, nil
		}
	}
	return nil, nil
}

// Similar checks case-insensitive containment in either direction: the
// existing title or description contains the candidate, or the candidate
// contains the existing title.
func Similar(issue store.Issue, title string) bool {
	query := strings.ToLower(title)
	existingTitle := strings.ToLower(issue.Title)
	existingDescription := strings.ToLower(issue.Description)
	return strings.Contains(existingTitle, query) ||
		strings.Contains(existingDescription, query) ||
		strings.Contains(query, existingTitle)
}

func Classify(issue store.Issue) Kind {
	if issue.Status == "Done" || issue.IsArchived {
		return KindHistorical
	}
	return KindActive
}
