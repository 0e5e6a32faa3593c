// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bugbase/api/internal/rbac"
	"bugbase/api/internal/store"
	"bugbase/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides email/password sign-up and sign-in
type Service struct {
	store      UserStore
	adminToken string
}

// NewService creates a new auth service. adminToken, when non-empty, gates
// super_admin sign-up.
func NewService(store UserStore, adminToken string) *Service {
	return &Service{store: store, adminToken: adminToken}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
	AdminToken  string
}

// SignUp creates a new user account. Role is fixed at creation; only the
// admin token unlocks super_admin.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	role := req.Role
	if role == "" {
		role = string(rbac.RoleDeveloper)
	}
	if !rbac.Valid(role) {
		return store.User{}, fmt.Errorf("unknown role %q", role)
	}
	if rbac.Role(role) == rbac.RoleSuperAdmin {
		if s.adminToken == "" || req.AdminToken != s.adminToken {
			return store.User{}, errors.New("super_admin sign-up requires the admin token")
		}
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn verifies credentials and returns the stored user.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
