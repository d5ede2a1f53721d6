package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ircad-africa/sofia-web/internal/identity"
)

// Supabase implements identity.Backend over the Supabase Auth (GoTrue) REST API.
type Supabase struct {
	url     string
	anonKey string

	client *http.Client
	now    func() time.Time

	logger *slog.Logger
}

type supabaseSignUpRequest struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     identity.Metadata `json:"data"`
}

type supabaseSession struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	ExpiresAt   int64           `json:"expires_at"`
	User        identity.Record `json:"user"`
}

type supabaseError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (e supabaseError) message() string {
	for _, m := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

// NewSupabase creates a new Supabase instance for the project at url, authenticating requests with the
// project's anonymous key.
func NewSupabase(url, anonKey string, logger *slog.Logger) Supabase {
	return Supabase{
		url:     strings.TrimSuffix(url, "/"),
		anonKey: anonKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
		logger:  logger.With(slog.String("module", "supabase")),
	}
}

// SignUp creates an account. When email confirmation is enabled the response carries no session and
// the returned AuthResult has an empty AccessToken.
func (s Supabase) SignUp(ctx context.Context, params identity.SignUpParams) (identity.AuthResult, error) {
	body := supabaseSignUpRequest{
		Email:    params.Email,
		Password: params.Password,
		Data:     params.Metadata,
	}

	raw, err := s.do(ctx, http.MethodPost, "/auth/v1/signup", "", body)
	if err != nil {
		return identity.AuthResult{}, err
	}

	var sess supabaseSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return identity.AuthResult{}, fmt.Errorf("error unmarshaling session: %w", err)
	}
	if sess.AccessToken == "" {
		var rec identity.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return identity.AuthResult{}, fmt.Errorf("error unmarshaling user: %w", err)
		}
		s.logger.Info("Account created, confirmation pending", slog.String("userID", rec.ID))
		return identity.AuthResult{User: rec}, nil
	}

	return s.authResult(sess), nil
}

// SignIn exchanges email and password for a session.
func (s Supabase) SignIn(ctx context.Context, email, password string) (identity.AuthResult, error) {
	body := map[string]string{"email": email, "password": password}

	raw, err := s.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body)
	if err != nil {
		return identity.AuthResult{}, err
	}

	var sess supabaseSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return identity.AuthResult{}, fmt.Errorf("error unmarshaling session: %w", err)
	}
	return s.authResult(sess), nil
}

// SignOut revokes the session. An already expired token is treated as signed out.
func (s Supabase) SignOut(ctx context.Context, accessToken string) error {
	if err := s.checkExpiry(accessToken); err != nil {
		return nil
	}
	_, err := s.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil)
	return err
}

// User returns the account owning accessToken. Tokens whose exp claim has passed are rejected without a
// round-trip.
func (s Supabase) User(ctx context.Context, accessToken string) (identity.Record, error) {
	if err := s.checkExpiry(accessToken); err != nil {
		return identity.Record{}, err
	}

	raw, err := s.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil)
	if err != nil {
		return identity.Record{}, err
	}

	var rec identity.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return identity.Record{}, fmt.Errorf("error unmarshaling user: %w", err)
	}
	return rec, nil
}

// checkExpiry reads the exp claim without verifying the signature; the server verifies it on every
// request anyway.
func (s Supabase) checkExpiry(accessToken string) error {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return fmt.Errorf("%w: %w", identity.ErrSessionExpired, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return identity.ErrSessionExpired
	}
	return nil
}

func (s Supabase) authResult(sess supabaseSession) identity.AuthResult {
	res := identity.AuthResult{User: sess.User, AccessToken: sess.AccessToken}
	switch {
	case sess.ExpiresAt > 0:
		res.ExpiresAt = time.Unix(sess.ExpiresAt, 0)
	case sess.ExpiresIn > 0:
		res.ExpiresAt = s.now().Add(time.Duration(sess.ExpiresIn) * time.Second)
	}
	return res
}

func (s Supabase) do(ctx context.Context, method, path, accessToken string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("apikey", s.anonKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+s.anonKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, s.statusError(resp.StatusCode, raw)
	}
	return raw, nil
}

func (s Supabase) statusError(status int, raw []byte) error {
	var e supabaseError
	_ = json.Unmarshal(raw, &e)
	msg := e.message()

	switch {
	case e.ErrorCode == "invalid_credentials", e.Error == "invalid_grant":
		return identity.ErrInvalidCredentials
	case e.ErrorCode == "user_already_exists", strings.Contains(msg, "already registered"):
		return identity.ErrUserExists
	case status == http.StatusUnauthorized, e.ErrorCode == "bad_jwt", e.ErrorCode == "session_not_found":
		return identity.ErrSessionExpired
	}

	if msg == "" {
		msg = http.StatusText(status)
	}
	s.logger.Warn("Auth request failed", slog.Int("status", status), slog.String(errLoggerKey, msg))
	return fmt.Errorf("supabase error %d: %s", status, msg)
}
