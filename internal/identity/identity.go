// Package identity wraps the external authentication service: account creation, credential
// verification and session lookup, mapped into the application's user shape.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ircad-africa/sofia-web/internal/models"
)

var (
	// ErrInvalidCredentials is returned when the email and password do not match an account.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrUserExists is returned when registering an email that already has an account.
	ErrUserExists = errors.New("user already registered")
	// ErrSessionExpired is returned for access tokens that are expired, revoked or malformed.
	ErrSessionExpired = errors.New("session expired")
)

// Backend is an authentication-as-a-service provider.
type Backend interface {
	SignUp(ctx context.Context, params SignUpParams) (AuthResult, error)
	SignIn(ctx context.Context, email, password string) (AuthResult, error)
	SignOut(ctx context.Context, accessToken string) error
	User(ctx context.Context, accessToken string) (Record, error)
}

// SignUpParams is the account creation payload sent to the backend.
type SignUpParams struct {
	Email    string
	Password string
	Metadata Metadata
}

// Metadata is the free-form profile stored with an account.
type Metadata struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

// Record is a user as returned by the backend.
type Record struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Metadata Metadata `json:"user_metadata"`
}

// AuthResult is the outcome of a sign-up or sign-in. AccessToken is empty when the backend requires
// the account to be confirmed before a session is issued.
type AuthResult struct {
	User        Record
	AccessToken string
	ExpiresAt   time.Time
}

// RegisterParams is the registration form.
type RegisterParams struct {
	Email      string `validate:"required,email"`
	Password   string `validate:"required,min=6"`
	FirstName  string `validate:"required,max=100"`
	LastName   string `validate:"required,max=100"`
	Department string `validate:"max=100"`
	Role       string `validate:"max=50"`
	Phone      string `validate:"omitempty,max=30"`
}

type loginParams struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Session is an authenticated user with the token that proves it.
type Session struct {
	User        models.User
	AccessToken string
	ExpiresAt   time.Time
}

// Event is an authentication state change.
type Event string

const (
	// EventSignedIn is emitted after a successful login or registration that produced a session.
	EventSignedIn Event = "SIGNED_IN"
	// EventSignedOut is emitted after logout.
	EventSignedOut Event = "SIGNED_OUT"
)

// Service maps backend records into models.User and notifies subscribers of auth state changes.
type Service struct {
	backend  Backend
	validate *validator.Validate

	mu          sync.Mutex
	nextSubID   int
	subscribers map[int]func(Event, *Session)

	logger *slog.Logger
}

// NewService creates a Service over backend.
func NewService(backend Backend, logger *slog.Logger) *Service {
	return &Service{
		backend:     backend,
		validate:    validator.New(),
		subscribers: make(map[int]func(Event, *Session)),
		logger:      logger.With(slog.String("module", "identity")),
	}
}

// Register creates an account. Department defaults to "General", role to "user" and the avatar to the
// user's initials.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Session, error) {
	params.Email = strings.TrimSpace(params.Email)
	params.FirstName = strings.TrimSpace(params.FirstName)
	params.LastName = strings.TrimSpace(params.LastName)
	if params.Department == "" {
		params.Department = "General"
	}
	if params.Role == "" {
		params.Role = "user"
	}
	if err := s.validate.Struct(params); err != nil {
		return Session{}, validationError(err)
	}

	res, err := s.backend.SignUp(ctx, SignUpParams{
		Email:    params.Email,
		Password: params.Password,
		Metadata: Metadata{
			FirstName:  params.FirstName,
			LastName:   params.LastName,
			Department: params.Department,
			Role:       params.Role,
			Phone:      params.Phone,
			Avatar:     initials(params.FirstName, params.LastName),
		},
	})
	if err != nil {
		s.logger.Error("Registration failed", slog.String(errLoggerKey, err.Error()))
		return Session{}, fmt.Errorf("failed to register: %w", err)
	}

	session := newSession(res)
	if session.AccessToken != "" {
		s.emit(EventSignedIn, &session)
	}
	return session, nil
}

// Login verifies the credentials and opens a session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	params := loginParams{Email: strings.TrimSpace(email), Password: password}
	if err := s.validate.Struct(params); err != nil {
		return Session{}, validationError(err)
	}

	res, err := s.backend.SignIn(ctx, params.Email, params.Password)
	if err != nil {
		s.logger.Warn("Login failed", slog.String("email", params.Email), slog.String(errLoggerKey, err.Error()))
		return Session{}, fmt.Errorf("failed to login: %w", err)
	}

	session := newSession(res)
	s.emit(EventSignedIn, &session)
	return session, nil
}

// Logout ends the session identified by accessToken.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if err := s.backend.SignOut(ctx, accessToken); err != nil {
		s.logger.Error("Logout failed", slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to logout: %w", err)
	}
	s.emit(EventSignedOut, nil)
	return nil
}

// CurrentUser resolves the user owning accessToken.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (models.User, error) {
	if accessToken == "" {
		return models.User{}, ErrSessionExpired
	}
	rec, err := s.backend.User(ctx, accessToken)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get current user: %w", err)
	}
	return MapUser(rec), nil
}

// OnAuthStateChange registers fn for auth state changes and returns a function that unsubscribes it.
// The session is nil for EventSignedOut.
func (s *Service) OnAuthStateChange(fn func(Event, *Session)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Service) emit(ev Event, session *Session) {
	s.mu.Lock()
	fns := make([]func(Event, *Session), 0, len(s.subscribers))
	for i := 0; i < s.nextSubID; i++ {
		if fn, ok := s.subscribers[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev, session)
	}
}

// MapUser converts a backend record into the application's user. Missing names become empty strings and
// a missing role becomes "user".
func MapUser(rec Record) models.User {
	role := rec.Metadata.Role
	if role == "" {
		role = "user"
	}
	return models.User{
		ID:        rec.ID,
		Email:     rec.Email,
		FirstName: rec.Metadata.FirstName,
		LastName:  rec.Metadata.LastName,
		Role:      role,
		Avatar:    rec.Metadata.Avatar,
	}
}

func newSession(res AuthResult) Session {
	return Session{
		User:        MapUser(res.User),
		AccessToken: res.AccessToken,
		ExpiresAt:   res.ExpiresAt,
	}
}

func initials(first, last string) string {
	var sb strings.Builder
	for _, name := range []string{first, last} {
		for _, r := range name {
			sb.WriteRune(r)
			break
		}
	}
	return strings.ToUpper(sb.String())
}

// ValidationError lists the form fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e ValidationError) Error() string {
	return "invalid " + strings.Join(e.Fields, ", ")
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return ValidationError{Fields: fields}
}

const errLoggerKey = "err"
