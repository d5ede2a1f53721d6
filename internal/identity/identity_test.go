package identity_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircad-africa/sofia-web/internal/identity"
)

type mockBackend struct {
	signUp   identity.SignUpParams
	signedIn bool
	err      error
	record   identity.Record
}

func (m *mockBackend) SignUp(_ context.Context, params identity.SignUpParams) (identity.AuthResult, error) {
	if m.err != nil {
		return identity.AuthResult{}, m.err
	}
	m.signUp = params
	return identity.AuthResult{
		User:        identity.Record{ID: "u-1", Email: params.Email, Metadata: params.Metadata},
		AccessToken: "token-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (m *mockBackend) SignIn(_ context.Context, email, password string) (identity.AuthResult, error) {
	if m.err != nil {
		return identity.AuthResult{}, m.err
	}
	if password != "secret1" {
		return identity.AuthResult{}, identity.ErrInvalidCredentials
	}
	m.signedIn = true
	return identity.AuthResult{User: identity.Record{ID: "u-1", Email: email}, AccessToken: "token-1"}, nil
}

func (m *mockBackend) SignOut(_ context.Context, _ string) error {
	m.signedIn = false
	return m.err
}

func (m *mockBackend) User(_ context.Context, token string) (identity.Record, error) {
	if token != "token-1" {
		return identity.Record{}, identity.ErrSessionExpired
	}
	return m.record, nil
}

func newService(b identity.Backend) *identity.Service {
	return identity.NewService(b, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterDefaults(t *testing.T) {
	b := &mockBackend{}
	s := newService(b)

	session, err := s.Register(context.Background(), identity.RegisterParams{
		Email:     " amina@ircad.africa ",
		Password:  "secret1",
		FirstName: "amina",
		LastName:  "Diallo",
	})
	require.NoError(t, err)

	assert.Equal(t, "amina@ircad.africa", b.signUp.Email)
	assert.Equal(t, "General", b.signUp.Metadata.Department)
	assert.Equal(t, "user", b.signUp.Metadata.Role)
	assert.Equal(t, "AD", b.signUp.Metadata.Avatar)

	assert.Equal(t, "token-1", session.AccessToken)
	assert.Equal(t, "amina", session.User.FirstName)
	assert.Equal(t, "user", session.User.Role)
}

func TestRegisterValidation(t *testing.T) {
	b := &mockBackend{}
	s := newService(b)

	_, err := s.Register(context.Background(), identity.RegisterParams{
		Email:    "not-an-email",
		Password: "123",
	})

	var verr identity.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"email", "password", "firstname", "lastname"}, verr.Fields)
	assert.Empty(t, b.signUp.Email, "backend must not be called for invalid input")
}

func TestLoginAndAuthStateEvents(t *testing.T) {
	b := &mockBackend{}
	s := newService(b)

	var events []identity.Event
	unsubscribe := s.OnAuthStateChange(func(ev identity.Event, _ *identity.Session) {
		events = append(events, ev)
	})

	_, err := s.Login(context.Background(), "amina@ircad.africa", "wrong")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.Login(context.Background(), "amina@ircad.africa", "secret1")
	require.NoError(t, err)
	require.NoError(t, s.Logout(context.Background(), "token-1"))

	assert.Equal(t, []identity.Event{identity.EventSignedIn, identity.EventSignedOut}, events)

	unsubscribe()
	_, err = s.Login(context.Background(), "amina@ircad.africa", "secret1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCurrentUserMapping(t *testing.T) {
	b := &mockBackend{record: identity.Record{ID: "u-9", Email: "tech@ircad.africa"}}
	s := newService(b)

	user, err := s.CurrentUser(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "u-9", user.ID)
	assert.Equal(t, "", user.FirstName)
	assert.Equal(t, "user", user.Role)

	_, err = s.CurrentUser(context.Background(), "")
	assert.ErrorIs(t, err, identity.ErrSessionExpired)

	_, err = s.CurrentUser(context.Background(), "stale")
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}
