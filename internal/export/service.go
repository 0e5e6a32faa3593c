// Package export renders issue snapshots as downloadable reports and parks
// them in S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"bugbase/api/internal/store"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// IssueLister is the slice of the store the exporter reads.
type IssueLister interface {
	ListIssues(ctx context.Context) ([]store.Issue, error)
}

// ObjectStore receives the rendered report.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

type Service struct {
	issues  IssueLister
	objects ObjectStore
}

func NewService(issues IssueLister, objects ObjectStore) *Service {
	return &Service{issues: issues, objects: objects}
}

// Result describes one stored report.
type Result struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Count       int    `json:"count"`
}

// ExportIssues renders the current issue collection in the requested format
// and uploads it. The key embeds a UTC timestamp so repeated exports never
// collide.
func (s *Service) ExportIssues(ctx context.Context, format string) (*Result, error) {
	issues, err := s.issues.ListIssues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	var data []byte
	var contentType string
	switch format {
	case FormatCSV:
		data, err = renderCSV(issues)
		contentType = "text/csv"
	case FormatJSON:
		data, err = renderJSON(issues)
		contentType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("exports/issues-%s.%s", time.Now().UTC().Format("20060102T150405"), format)
	if err := s.objects.Put(ctx, key, contentType, data); err != nil {
		return nil, fmt.Errorf("store export: %w", err)
	}

	return &Result{Key: key, ContentType: contentType, Count: len(issues)}, nil
}

func renderCSV(issues []store.Issue) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "title", "priority", "status", "assignedTo", "createdBy", "isArchived", "createdAt", "updatedAt", "version"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, issue := range issues {
		row := []string{
			issue.ID,
			issue.Title,
			issue.Priority,
			issue.Status,
			issue.AssignedTo,
			issue.CreatedBy,
			strconv.FormatBool(issue.IsArchived),
			issue.CreatedAt.UTC().Format(time.RFC3339),
			issue.UpdatedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(issue.Version),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderJSON(issues []store.Issue) ([]byte, error) {
	data, err := json.MarshalIndent(issues, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal issues: %w", err)
	}
	return data, nil
}
