package notify

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bugbase/api/internal/store"
)

type fakeRecipients struct {
	known    map[string]store.User
	inserted []store.Notification
	insertFn func(store.Notification) error
}

func (f *fakeRecipients) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.known[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeRecipients) InsertNotification(_ context.Context, notification store.Notification) error {
	if f.insertFn != nil {
		if err := f.insertFn(notification); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, notification)
	return nil
}

type fakeEmail struct {
	configured bool
	sent       []string
}

func (f *fakeEmail) IsConfigured() bool { return f.configured }

func (f *fakeEmail) SendIssueNotification(to, message, issueID string) error {
	f.sent = append(f.sent, to+": "+message)
	return nil
}

func TestNotifyAppendsRecord(t *testing.T) {
	recipients := &fakeRecipients{known: map[string]store.User{
		"bob@acme.dev": {ID: "usr_bob", Email: "bob@acme.dev"},
	}}
	dispatcher := NewDispatcher(recipients, nil)

	dispatcher.Notify(context.Background(), "bob@acme.dev", "You were assigned a new issue: \"X\"", "iss_1")

	if len(recipients.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(recipients.inserted))
	}
	record := recipients.inserted[0]
	if record.UserEmail != "bob@acme.dev" || record.IssueID != "iss_1" {
		t.Fatalf("record = %+v", record)
	}
	if record.ID == "" {
		t.Fatal("record must get an id")
	}
	if record.Read {
		t.Fatal("new notifications start unread")
	}
}

func TestNotifySkipsUnknownRecipient(t *testing.T) {
	recipients := &fakeRecipients{known: map[string]store.User{}}
	dispatcher := NewDispatcher(recipients, nil)

	dispatcher.Notify(context.Background(), "ghost@acme.dev", "hello", "iss_1")

	if len(recipients.inserted) != 0 {
		t.Fatal("unknown recipients must be skipped")
	}
}

func TestNotifyIgnoresEmptyRecipient(t *testing.T) {
	recipients := &fakeRecipients{known: map[string]store.User{}}
	dispatcher := NewDispatcher(recipients, nil)

	dispatcher.Notify(context.Background(), "", "hello", "iss_1")

	if len(recipients.inserted) != 0 {
		t.Fatal("empty recipient must be a no-op")
	}
}

func TestNotifySwallowsStoreFailure(t *testing.T) {
	recipients := &fakeRecipients{
		known:    map[string]store.User{"bob@acme.dev": {Email: "bob@acme.dev"}},
		insertFn: func(store.Notification) error { return errors.New("db down") },
	}
	dispatcher := NewDispatcher(recipients, nil)

	// Must not panic or propagate; the triggering mutation already landed.
	dispatcher.Notify(context.Background(), "bob@acme.dev", "hello", "iss_1")
}

func TestNotifyMirrorsToEmailWhenConfigured(t *testing.T) {
	recipients := &fakeRecipients{known: map[string]store.User{
		"bob@acme.dev": {Email: "bob@acme.dev"},
	}}
	email := &fakeEmail{configured: true}
	dispatcher := NewDispatcher(recipients, email)

	dispatcher.Notify(context.Background(), "bob@acme.dev", "hello", "iss_1")

	if len(email.sent) != 1 {
		t.Fatalf("email sent = %d, want 1", len(email.sent))
	}

	email.configured = false
	dispatcher.Notify(context.Background(), "bob@acme.dev", "hello again", "iss_1")
	if len(email.sent) != 1 {
		t.Fatal("unconfigured email channel must not send")
	}
}
