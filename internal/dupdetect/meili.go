package dupdetect

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"bugbase/api/internal/store"
)

const idxIssues = "bugbase_issues"

// issueDoc is the projection of an issue kept in the search index: just
// enough to run the containment check and classify the match.
type issueDoc struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	IsArchived  bool   `json:"isArchived"`
}

// Meili is the indexed duplicate detector. It applies the same containment
// policy as Scan, but over candidates narrowed by a Meilisearch query
// instead of a full collection walk.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch-backed detector and configures the issue
// index. The caller should fall back to the scan detector while unhealthy.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("dupdetect: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxIssues,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("dupdetect: create index %s (may already exist): %v", idxIssues, err)
	}

	index := m.client.Index(idxIssues)
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("dupdetect: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("dupdetect: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexIssue upserts the issue's search projection. Best-effort; callers
// log and continue on error.
func (m *Meili) IndexIssue(issue store.Issue) error {
	docs := []issueDoc{{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.Status,
		IsArchived:  issue.IsArchived,
	}}
	_, err := m.client.Index(idxIssues).AddDocuments(docs, nil)
	if err != nil {
		m.healthy.Store(false)
	}
	return err
}

// FindSimilar searches the index for the candidate title and returns the
// first hit that passes the containment check.
func (m *Meili) FindSimilar(ctx context.Context, title string) (*Match, error) {
	resp, err := m.client.Index(idxIssues).SearchWithContext(ctx, title, &meili.SearchRequest{Limit: 20})
	if err != nil {
		m.healthy.Store(false)
		return nil, err
	}

	for _, hit := range resp.Hits {
		doc, err := decodeHit(hit)
		if err != nil {
			continue
		}
		issue := store.Issue{
			ID:          doc.ID,
			Title:       doc.Title,
			Description: doc.Description,
			Status:      doc.Status,
			IsArchived:  doc.IsArchived,
		}
		if Similar(issue, title) {
			return &Match{Issue: issue, Kind: Classify(issue)}, nil
		}
	}
	return nil, nil
}

func decodeHit(hit meili.Hit) (issueDoc, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return issueDoc{}, err
	}
	var doc issueDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return issueDoc{}, err
	}
	return doc, nil
}
