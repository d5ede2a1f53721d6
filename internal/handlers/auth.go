package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ircad-africa/sofia-web/internal/identity"
	"github.com/ircad-africa/sofia-web/internal/models"
)

const sessionCookieName = "sofia_session"

type userContextKey struct{}

// Departments and Roles are offered on the registration form.
var (
	Departments = []string{
		"Technical Support", "Surgical Training", "IT Department", "Administration",
		"Research", "Maintenance", "Security",
	}
	Roles = []string{
		"Senior Technician", "Junior Technician", "Surgeon", "IT Specialist",
		"Administrator", "Trainee", "Supervisor",
	}
)

type loginPageData struct {
	Email      string
	Error      string
	Registered bool
}

type registerPageData struct {
	Form        registerForm
	Errors      map[string]string
	Error       string
	Departments []string
	Roles       []string
}

type registerForm struct {
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	Department string
	Role       string
}

// HandleLoginPage renders the login form. Visitors that already hold a valid session go straight to the
// dashboard.
func (m Main) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.currentUser(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	m.render(w, http.StatusOK, "login.html", loginPageData{Registered: r.URL.Query().Get("registered") != ""})
}

// HandleLogin verifies the credentials, stores the access token in a cookie and redirects to the
// dashboard.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	email := r.FormValue("email")
	session, err := m.identity.Login(r.Context(), email, r.FormValue("password"))
	if err != nil {
		m.render(w, http.StatusUnauthorized, "login.html", loginPageData{Email: email, Error: loginErrorMessage(err)})
		return
	}

	m.setSessionCookie(w, session)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// HandleRegisterPage renders the registration form.
func (m Main) HandleRegisterPage(w http.ResponseWriter, _ *http.Request) {
	m.render(w, http.StatusOK, "register.html", registerPageData{Departments: Departments, Roles: Roles})
}

// HandleRegister creates an account. When the identity service opens a session right away the user lands
// on the dashboard; otherwise the account awaits confirmation and the user is sent to the login page.
func (m Main) HandleRegister(w http.ResponseWriter, r *http.Request) {
	form := registerForm{
		FirstName:  strings.TrimSpace(r.FormValue("firstName")),
		LastName:   strings.TrimSpace(r.FormValue("lastName")),
		Email:      strings.TrimSpace(r.FormValue("email")),
		Phone:      strings.TrimSpace(r.FormValue("phone")),
		Department: r.FormValue("department"),
		Role:       r.FormValue("role"),
	}
	password := r.FormValue("password")

	data := registerPageData{Form: form, Errors: map[string]string{}, Departments: Departments, Roles: Roles}
	if confirm := r.FormValue("confirmPassword"); confirm == "" {
		data.Errors["confirmPassword"] = "Please confirm your password"
	} else if confirm != password {
		data.Errors["confirmPassword"] = "Passwords do not match"
	}
	if len(data.Errors) > 0 {
		m.render(w, http.StatusUnprocessableEntity, "register.html", data)
		return
	}

	session, err := m.identity.Register(r.Context(), identity.RegisterParams{
		Email:      form.Email,
		Password:   password,
		FirstName:  form.FirstName,
		LastName:   form.LastName,
		Department: form.Department,
		Role:       form.Role,
		Phone:      form.Phone,
	})
	if err != nil {
		status := http.StatusBadGateway
		var verr identity.ValidationError
		switch {
		case errors.As(err, &verr):
			for _, f := range verr.Fields {
				data.Errors[f] = fieldErrorMessage(f)
			}
			status = http.StatusUnprocessableEntity
		case errors.Is(err, identity.ErrUserExists):
			data.Error = "An account with this email already exists"
			status = http.StatusConflict
		default:
			data.Error = "Registration failed"
		}
		m.render(w, status, "register.html", data)
		return
	}

	if session.AccessToken == "" {
		http.Redirect(w, r, "/login?registered=1", http.StatusSeeOther)
		return
	}
	m.setSessionCookie(w, session)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// HandleLogout ends the session and clears the cookie. The cookie is cleared even when the identity
// service could not be reached.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if err := m.identity.Logout(r.Context(), c.Value); err != nil {
			m.logger.Warn("Failed to logout", slog.String(errLoggerKey, err.Error()))
		}
	}
	m.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (m Main) requirePageUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := m.currentUser(r)
		if !ok {
			m.clearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

func (m Main) requireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := m.currentUser(r)
		if !ok {
			m.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

func (m Main) currentUser(r *http.Request) (models.User, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return models.User{}, false
	}
	user, err := m.identity.CurrentUser(r.Context(), c.Value)
	if err != nil {
		if !errors.Is(err, identity.ErrSessionExpired) {
			m.logger.Error("Failed to resolve current user", slog.String(errLoggerKey, err.Error()))
		}
		return models.User{}, false
	}
	return user, true
}

func userFromContext(ctx context.Context) models.User {
	user, _ := ctx.Value(userContextKey{}).(models.User)
	return user
}

func (m Main) setSessionCookie(w http.ResponseWriter, session identity.Session) {
	c := &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if !session.ExpiresAt.IsZero() {
		c.Expires = session.ExpiresAt
	}
	http.SetCookie(w, c)
}

func (m Main) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func loginErrorMessage(err error) string {
	var verr identity.ValidationError
	switch {
	case errors.As(err, &verr):
		return "Please enter a valid email and password"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return "Invalid email or password"
	default:
		return "Login failed"
	}
}

func fieldErrorMessage(field string) string {
	switch field {
	case "email":
		return "Invalid email format"
	case "password":
		return "Password must be at least 6 characters"
	case "firstname":
		return "First name is required"
	case "lastname":
		return "Last name is required"
	default:
		return "Invalid value"
	}
}
