package dupdetect

import (
	"context"
	"log"

	"bugbase/api/internal/store"
)

// Service fronts the detectors: the Meilisearch index when configured and
// healthy, the collection scan otherwise. Both sides enforce the same
// first-match containment policy.
type Service struct {
	meili *Meili
	scan  *Scan
}

// NewService builds the detector front. meili may be nil.
func NewService(meili *Meili, scan *Scan) *Service {
	return &Service{meili: meili, scan: scan}
}

func (s *Service) FindSimilar(ctx context.Context, title string) (*Match, error) {
	if s.meili != nil && s.meili.Healthy() {
		match, err := s.meili.FindSimilar(ctx, title)
		if err == nil {
			return match, nil
		}
		log.Printf("dupdetect: meilisearch lookup failed, falling back to scan: %v", err)
	}
	return s.scan.FindSimilar(ctx, title)
}

// IndexIssue keeps the search projection current after a create or
// mutation. Failures are logged, never surfaced; the scan fallback covers
// stale indexes.
func (s *Service) IndexIssue(issue store.Issue) {
	if s.meili == nil {
		return
	}
	if err := s.meili.IndexIssue(issue); err != nil {
		log.Printf("dupdetect: index issue %s: %v", issue.ID, err)
	}
}

// Close releases the index client if one is configured.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
