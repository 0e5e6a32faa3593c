package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bugbase/api/internal/store"
)

type memUsers struct {
	byEmail map[string]store.User
}

func newMemUsers() *memUsers {
	return &memUsers{byEmail: make(map[string]store.User)}
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUsers) CreateUser(_ context.Context, user store.User) error {
	m.byEmail[user.Email] = user
	return nil
}

func TestSignUpDefaultsToDeveloperAndHashesPassword(t *testing.T) {
	users := newMemUsers()
	service := NewService(users, "")

	user, err := service.SignUp(context.Background(), SignUpRequest{
		Email:    "Alice@Acme.Dev",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Email != "alice@acme.dev" {
		t.Fatalf("email = %q, want lowercased", user.Email)
	}
	if user.Role != "Developer" {
		t.Fatalf("role = %q, want Developer default", user.Role)
	}
	if user.PasswordHash == "" || user.PasswordHash == "correct horse battery" {
		t.Fatal("password must be stored hashed")
	}
}

func TestSignUpValidation(t *testing.T) {
	service := NewService(newMemUsers(), "")
	cases := []struct {
		name string
		req  SignUpRequest
	}{
		{"missing email", SignUpRequest{Password: "longenough"}},
		{"missing password", SignUpRequest{Email: "a@b.c"}},
		{"short password", SignUpRequest{Email: "a@b.c", Password: "short"}},
		{"unknown role", SignUpRequest{Email: "a@b.c", Password: "longenough", Role: "Wizard"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.SignUp(context.Background(), tc.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	users := newMemUsers()
	service := NewService(users, "")
	req := SignUpRequest{Email: "alice@acme.dev", Password: "longenough"}

	if _, err := service.SignUp(context.Background(), req); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	if _, err := service.SignUp(context.Background(), req); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestSuperAdminSignUpGatedByAdminToken(t *testing.T) {
	users := newMemUsers()
	service := NewService(users, "sekrit")

	_, err := service.SignUp(context.Background(), SignUpRequest{
		Email:    "root@acme.dev",
		Password: "longenough",
		Role:     "super_admin",
	})
	if err == nil {
		t.Fatal("super_admin without token must fail")
	}

	_, err = service.SignUp(context.Background(), SignUpRequest{
		Email:      "root@acme.dev",
		Password:   "longenough",
		Role:       "super_admin",
		AdminToken: "wrong",
	})
	if err == nil {
		t.Fatal("super_admin with wrong token must fail")
	}

	user, err := service.SignUp(context.Background(), SignUpRequest{
		Email:      "root@acme.dev",
		Password:   "longenough",
		Role:       "super_admin",
		AdminToken: "sekrit",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != "super_admin" {
		t.Fatalf("role = %q", user.Role)
	}
}

func TestSuperAdminSignUpDisabledWithoutConfiguredToken(t *testing.T) {
	service := NewService(newMemUsers(), "")
	_, err := service.SignUp(context.Background(), SignUpRequest{
		Email:      "root@acme.dev",
		Password:   "longenough",
		Role:       "super_admin",
		AdminToken: "",
	})
	if err == nil {
		t.Fatal("super_admin must be unreachable when no admin token is configured")
	}
}

func TestSignInVerifiesPassword(t *testing.T) {
	users := newMemUsers()
	service := NewService(users, "")
	if _, err := service.SignUp(context.Background(), SignUpRequest{Email: "alice@acme.dev", Password: "longenough"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	if _, err := service.SignIn(context.Background(), "ALICE@acme.dev", "longenough"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if _, err := service.SignIn(context.Background(), "alice@acme.dev", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := service.SignIn(context.Background(), "ghost@acme.dev", "longenough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}
