package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"bugbase/api/internal/analytics"
	"bugbase/api/internal/auth"
	"bugbase/api/internal/authpw"
	"bugbase/api/internal/config"
	"bugbase/api/internal/dupdetect"
	"bugbase/api/internal/export"
	"bugbase/api/internal/rbac"
	"bugbase/api/internal/store"
	"bugbase/api/internal/util"
)

const (
	StatusOpen       = "Open"
	StatusInProgress = "In Progress"
	StatusDone       = "Done"
)

// archiveReason is recorded verbatim on every dashboard-initiated archive.
const archiveReason = "User archived from dashboard"

var allowedStatuses = map[string]struct{}{
	StatusOpen:       {},
	StatusInProgress: {},
	StatusDone:       {},
}

var allowedPriorities = map[string]struct{}{
	"Low":    {},
	"Medium": {},
	"High":   {},
}

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateIssueInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AssignedTo  string `json:"assignedTo"`
	Override    bool   `json:"override"`
}

// DuplicateWarning is returned instead of a created issue when the detector
// finds an existing issue with a similar title and Override was not set.
type DuplicateWarning struct {
	IssueID string `json:"issueId"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Kind    string `json:"kind"`
}

type CreateIssueResult struct {
	Issue     *store.Issue
	Duplicate *DuplicateWarning
}

type IssueFilter struct {
	View     string
	Status   string
	Priority string
	Search   string
	SortBy   string
}

type UserSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	Role        string `json:"role"`
	ActiveCount int    `json:"activeCount"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserProfile(context.Context, string, string, string) error
	InsertIssue(context.Context, store.Issue) error
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context) ([]store.Issue, error)
	UpdateIssueStatus(context.Context, string, string, string, string) (int, error)
	UpdateIssueAssignee(context.Context, string, string, string, string) (int, error)
	UpdateIssuePriority(context.Context, string, string, string, string) (int, error)
	ArchiveIssue(context.Context, string, string, string) (int, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ListNotifications(context.Context, string) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type notifier interface {
	Notify(ctx context.Context, recipientEmail, message, issueID string)
}

type duplicateFinder interface {
	FindSimilar(ctx context.Context, title string) (*dupdetect.Match, error)
}

type issueIndexer interface {
	IndexIssue(issue store.Issue)
}

type changeFeed interface {
	Publish(ctx context.Context, issueID string) error
	Subscribe(ctx context.Context) (<-chan string, func())
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	accounts   *authpw.Service
	notifier   notifier
	duplicates duplicateFinder
	indexer    issueIndexer
	feed       changeFeed
	exporter   *export.Service
	now        func() time.Time
}

// New wires the workflow engine. sessions, notifier, duplicates, indexer,
// feed and exporter may be nil; the matching features degrade gracefully.
func New(cfg config.Config, dataStore dataStore, sessions sessionStore, accounts *authpw.Service, notifier notifier, duplicates duplicateFinder, indexer issueIndexer, feed changeFeed, exporter *export.Service) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		accounts:   accounts,
		notifier:   notifier,
		duplicates: duplicates,
		indexer:    indexer,
		feed:       feed,
		exporter:   exporter,
		now:        time.Now,
	}
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "an account with this email already exists", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "email or password is incorrect", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action, isAssignee bool) bool {
	return rbac.Can(rbac.Normalize(role), action, isAssignee)
}

func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (CreateIssueResult, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return CreateIssueResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	assignee := strings.ToLower(strings.TrimSpace(input.AssignedTo))
	if assignee == "" {
		return CreateIssueResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignedTo is required", nil)
	}
	priority := input.Priority
	if priority == "" {
		priority = "Low"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return CreateIssueResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be one of Low, Medium, High", nil)
	}
	if _, err := s.store.GetUserByEmail(ctx, assignee); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CreateIssueResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignedTo is not a registered user", nil)
		}
		return CreateIssueResult{}, err
	}

	if !input.Override && s.duplicates != nil {
		match, err := s.duplicates.FindSimilar(ctx, title)
		if err != nil {
			return CreateIssueResult{}, err
		}
		if match != nil {
			return CreateIssueResult{Duplicate: &DuplicateWarning{
				IssueID: match.Issue.ID,
				Title:   match.Issue.Title,
				Status:  match.Issue.Status,
				Kind:    string(match.Kind),
			}}, nil
		}
	}

	issue := store.Issue{
		ID:            util.NewID("iss"),
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		Priority:      priority,
		Status:        StatusOpen,
		AssignedTo:    assignee,
		CreatedBy:     session.Email,
		LastUpdatedBy: session.Email,
		Version:       1,
	}
	if err := s.store.InsertIssue(ctx, issue); err != nil {
		return CreateIssueResult{}, err
	}
	created, err := s.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return CreateIssueResult{}, err
	}

	if assignee != session.Email && s.notifier != nil {
		s.notifier.Notify(ctx, assignee, fmt.Sprintf("You were assigned a new issue: %q", title), issue.ID)
	}
	s.indexIssue(created)
	s.publishChange(ctx, issue.ID)
	return CreateIssueResult{Issue: &created}, nil
}

func (s *Service) ChangeStatus(ctx context.Context, session Session, issueID, newStatus string) (store.Issue, error) {
	if _, ok := allowedStatuses[newStatus]; !ok {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of Open, In Progress, Done", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if issue.IsArchived {
		return store.Issue{}, domainError(http.StatusConflict, "INVALID_TRANSITION", "archived issues cannot change status", nil)
	}
	if issue.Status == newStatus {
		return store.Issue{}, domainError(http.StatusConflict, "NOOP_TRANSITION", fmt.Sprintf("issue is already %s", newStatus), nil)
	}
	if issue.Status == StatusOpen && newStatus == StatusDone {
		return store.Issue{}, domainError(http.StatusConflict, "INVALID_TRANSITION", "an Open issue must move to In Progress before it can be Done", nil)
	}

	action := rbac.ActionStartProgress
	switch {
	case newStatus == StatusDone:
		action = rbac.ActionCloseIssue
	case issue.Status == StatusDone:
		action = rbac.ActionReopenIssue
	}
	if !s.Can(session.Role, action, session.Email == issue.AssignedTo) {
		return store.Issue{}, domainError(http.StatusForbidden, "UNAUTHORIZED", "only the assignee or a manager can close this issue", nil)
	}

	if _, err := s.store.UpdateIssueStatus(ctx, issueID, issue.Status, newStatus, session.Email); err != nil {
		return store.Issue{}, mutationError(err)
	}

	if issue.AssignedTo != "" && issue.AssignedTo != session.Email && s.notifier != nil {
		s.notifier.Notify(ctx, issue.AssignedTo, fmt.Sprintf("Your issue %q was moved to %s by %s", issue.Title, newStatus, session.Email), issueID)
	}
	return s.finishMutation(ctx, issueID)
}

func (s *Service) Archive(ctx context.Context, session Session, issueID string) (store.Issue, error) {
	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if issue.IsArchived {
		return store.Issue{}, domainError(http.StatusConflict, "NOOP_TRANSITION", "issue is already archived", nil)
	}

	action := rbac.ActionArchive
	if analytics.SLABreached(issue, s.now()) {
		action = rbac.ActionArchiveBreached
	}
	if !s.Can(session.Role, action, session.Email == issue.AssignedTo) {
		return store.Issue{}, domainError(http.StatusConflict, "ARCHIVAL_BLOCKED", "this issue has breached its SLA and can only be archived by a super admin", map[string]any{
			"slaBreached": true,
		})
	}

	if _, err := s.store.ArchiveIssue(ctx, issueID, session.Email, archiveReason); err != nil {
		return store.Issue{}, mutationError(err)
	}
	return s.finishMutation(ctx, issueID)
}

func (s *Service) Reassign(ctx context.Context, session Session, issueID, newAssignee string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionReassign, false) {
		return store.Issue{}, domainError(http.StatusForbidden, "UNAUTHORIZED", "only a manager can reassign issues", nil)
	}
	assignee := strings.ToLower(strings.TrimSpace(newAssignee))
	if assignee == "" {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignedTo is required", nil)
	}
	if _, err := s.store.GetUserByEmail(ctx, assignee); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignedTo is not a registered user", nil)
		}
		return store.Issue{}, err
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if issue.AssignedTo == assignee {
		return store.Issue{}, domainError(http.StatusConflict, "NOOP_TRANSITION", "issue is already assigned to this user", nil)
	}

	if _, err := s.store.UpdateIssueAssignee(ctx, issueID, issue.AssignedTo, assignee, session.Email); err != nil {
		return store.Issue{}, mutationError(err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, assignee, fmt.Sprintf("You were RE-ASSIGNED to issue: %q", issue.Title), issueID)
	}
	return s.finishMutation(ctx, issueID)
}

func (s *Service) SetPriority(ctx context.Context, session Session, issueID, newPriority string) (store.Issue, error) {
	if !s.Can(session.Role, rbac.ActionSetPriority, false) {
		return store.Issue{}, domainError(http.StatusForbidden, "UNAUTHORIZED", "only a manager can change priority", nil)
	}
	if _, ok := allowedPriorities[newPriority]; !ok {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be one of Low, Medium, High", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if issue.Priority == newPriority {
		return store.Issue{}, domainError(http.StatusConflict, "NOOP_TRANSITION", fmt.Sprintf("priority is already %s", newPriority), nil)
	}

	if _, err := s.store.UpdateIssuePriority(ctx, issueID, issue.Priority, newPriority, session.Email); err != nil {
		return store.Issue{}, mutationError(err)
	}
	return s.finishMutation(ctx, issueID)
}

func (s *Service) AddComment(ctx context.Context, session Session, issueID, text string) (store.Comment, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	issue, err := s.loadIssue(ctx, issueID)
	if err != nil {
		return store.Comment{}, err
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:        util.NewID("cmt"),
		IssueID:   issueID,
		Text:      body,
		CreatedBy: session.Email,
	})
	if err != nil {
		return store.Comment{}, err
	}

	if issue.AssignedTo != "" && issue.AssignedTo != session.Email && s.notifier != nil {
		s.notifier.Notify(ctx, issue.AssignedTo, fmt.Sprintf("%s mentioned you on issue", localPart(session.Email)), issueID)
	}
	s.publishChange(ctx, issueID)
	return comment, nil
}

func (s *Service) ListIssues(ctx context.Context, filter IssueFilter) ([]store.Issue, error) {
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return nil, err
	}

	view := filter.View
	if view == "" {
		view = "active"
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	filtered := make([]store.Issue, 0, len(issues))
	for _, issue := range issues {
		closed := issue.IsArchived || issue.Status == StatusDone
		switch view {
		case "active":
			if closed {
				continue
			}
		case "history":
			if !closed {
				continue
			}
		}
		if filter.Status != "" && filter.Status != "All" && issue.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && filter.Priority != "All" && issue.Priority != filter.Priority {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(issue.Title), search) &&
			!strings.Contains(strings.ToLower(issue.Description), search) {
			continue
		}
		filtered = append(filtered, issue)
	}

	if filter.SortBy == "updated" {
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
		})
	}
	return filtered, nil
}

func (s *Service) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	return s.loadIssue(ctx, issueID)
}

func (s *Service) Comments(ctx context.Context, issueID string) ([]store.Comment, error) {
	if _, err := s.loadIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, issueID)
}

func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return nil, err
	}

	active := make(map[string]int)
	for _, issue := range issues {
		if issue.IsArchived || issue.Status == StatusDone {
			continue
		}
		active[issue.AssignedTo]++
	}

	summaries := make([]UserSummary, 0, len(users))
	for _, user := range users {
		summaries = append(summaries, UserSummary{
			ID:          user.ID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			PhotoURL:    user.PhotoURL,
			Role:        user.Role,
			ActiveCount: active[user.Email],
		})
	}
	return summaries, nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, displayName, photoURL string) (store.User, error) {
	if err := s.store.UpdateUserProfile(ctx, session.UserID, strings.TrimSpace(displayName), strings.TrimSpace(photoURL)); err != nil {
		return store.User{}, err
	}
	return s.store.GetUserByID(ctx, session.UserID)
}

func (s *Service) Notifications(ctx context.Context, session Session) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, session.Email)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	marked, err := s.store.MarkNotificationRead(ctx, session.Email, notificationID)
	if err != nil {
		return err
	}
	if !marked {
		return domainError(http.StatusNotFound, "NOT_FOUND", "notification not found", nil)
	}
	return nil
}

func (s *Service) Summary(ctx context.Context, session Session) (analytics.Summary, error) {
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return analytics.Summary{}, err
	}
	return analytics.Summarize(issues, session.Email, s.now()), nil
}

func (s *Service) Analytics(ctx context.Context) (analytics.Report, error) {
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return analytics.Report{}, err
	}
	return analytics.Compute(issues, s.now()), nil
}

func (s *Service) ExportIssues(ctx context.Context, session Session, format string) (*export.Result, error) {
	if !s.Can(session.Role, rbac.ActionExport, false) {
		return nil, domainError(http.StatusForbidden, "UNAUTHORIZED", "only a manager can export issues", nil)
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORTS_DISABLED", "object storage is not configured", nil)
	}
	return s.exporter.ExportIssues(ctx, format)
}

// SubscribeChanges exposes the live issue change feed. The returned cancel
// must be called when the consumer goes away.
func (s *Service) SubscribeChanges(ctx context.Context) (<-chan string, func(), error) {
	if s.feed == nil {
		return nil, nil, domainError(http.StatusServiceUnavailable, "FEED_DISABLED", "the live change feed is not configured", nil)
	}
	changes, cancel := s.feed.Subscribe(ctx)
	return changes, cancel, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) loadIssue(ctx context.Context, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, domainError(http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
		}
		return store.Issue{}, err
	}
	return issue, nil
}

// finishMutation reloads the issue, pushes it to the search index and the
// change feed, and returns the fresh row.
func (s *Service) finishMutation(ctx context.Context, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	s.indexIssue(issue)
	s.publishChange(ctx, issueID)
	return issue, nil
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.indexer != nil {
		s.indexer.IndexIssue(issue)
	}
}

func (s *Service) publishChange(ctx context.Context, issueID string) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, issueID); err != nil {
		log.Printf("change feed publish failed for %s: %v", issueID, err)
	}
}

// mutationError maps store-level outcomes of a guarded update onto the
// domain error taxonomy.
func mutationError(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return domainError(http.StatusConflict, "WRITE_CONFLICT", "the issue changed while your update was in flight, reload and retry", nil)
	case errors.Is(err, sql.ErrNoRows):
		return domainError(http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
	default:
		return err
	}
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
