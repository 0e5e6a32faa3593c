package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PhotoURL     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Issue struct {
	ID            string
	Title         string
	Description   string
	Priority      string
	Status        string
	AssignedTo    string
	CreatedBy     string
	IsArchived    bool
	ArchivedAt    *time.Time
	ArchivedBy    string
	ArchiveReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastUpdatedBy string
	Version       int
	History       []AuditRecord
}

// AuditRecord is one immutable entry in an issue's change history.
// Field is one of "status", "assignedTo", "priority".
type AuditRecord struct {
	Field string
	From  string
	To    string
	By    string
	At    time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	Text      string
	CreatedBy string
	CreatedAt time.Time
}

type Notification struct {
	ID        string
	UserEmail string
	Message   string
	IssueID   string
	Read      bool
	CreatedAt time.Time
}
