// Package notify appends in-app notification records for workflow side
// effects. Dispatch is best-effort: a failed notification is logged and
// dropped, never bubbled into the state change that triggered it.
package notify

import (
	"context"
	"log"

	"bugbase/api/internal/store"
	"bugbase/api/internal/util"
)

// RecipientStore is the slice of the store the dispatcher needs: resolving
// a recipient and appending the record.
type RecipientStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	InsertNotification(ctx context.Context, notification store.Notification) error
}

// EmailSender mirrors notifications to email when configured.
type EmailSender interface {
	IsConfigured() bool
	SendIssueNotification(to, message, issueID string) error
}

type Dispatcher struct {
	store RecipientStore
	email EmailSender
}

// NewDispatcher creates a dispatcher. email may be nil.
func NewDispatcher(store RecipientStore, email EmailSender) *Dispatcher {
	return &Dispatcher{store: store, email: email}
}

// Notify resolves the recipient and appends a notification record. Unknown
// recipients are skipped with a warning, matching the rest of the system's
// treatment of dangling email references. Never returns an error.
func (d *Dispatcher) Notify(ctx context.Context, recipientEmail, message, issueID string) {
	if recipientEmail == "" {
		return
	}

	if _, err := d.store.GetUserByEmail(ctx, recipientEmail); err != nil {
		log.Printf("notify: user %s not found for notification", recipientEmail)
		return
	}

	if err := d.store.InsertNotification(ctx, store.Notification{
		ID:        util.NewID("ntf"),
		UserEmail: recipientEmail,
		Message:   message,
		IssueID:   issueID,
	}); err != nil {
		log.Printf("notify: append notification for %s: %v", recipientEmail, err)
		return
	}

	if d.email != nil && d.email.IsConfigured() {
		if err := d.email.SendIssueNotification(recipientEmail, message, issueID); err != nil {
			log.Printf("notify: email to %s: %v", recipientEmail, err)
		}
	}
}
