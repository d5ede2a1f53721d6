package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"

	sofiaweb "github.com/ircad-africa/sofia-web"
	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/identity"
	"github.com/ircad-africa/sofia-web/internal/knowledge"
	"github.com/ircad-africa/sofia-web/internal/models"
)

// Identity is the account service behind the login, registration and dashboard pages.
type Identity interface {
	Register(ctx context.Context, params identity.RegisterParams) (identity.Session, error)
	Login(ctx context.Context, email, password string) (identity.Session, error)
	Logout(ctx context.Context, accessToken string) error
	CurrentUser(ctx context.Context, accessToken string) (models.User, error)
}

// Options tunes the HTTP layer. Zero values fall back to the defaults below.
type Options struct {
	// SessionTTL is how long an idle assistant session is kept before it is closed.
	SessionTTL time.Duration
	// CaptureInterval is the delay between two screen captures while sharing.
	CaptureInterval time.Duration
	// DeviceTimeout bounds the wait for a browser to answer a device command.
	DeviceTimeout time.Duration
	// MaxBodyBytes limits JSON request bodies, which may carry a base64 image.
	MaxBodyBytes int64
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

const (
	defaultSessionTTL    = 30 * time.Minute
	defaultDeviceTimeout = time.Minute
	defaultMaxBodyBytes  = 8 << 20
)

// Main handles the pages, the inference endpoint and the assistant API. It owns the SSE server used to
// push session snapshots and device commands to the browser.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	static    fs.FS

	gateway   *gateway.Gateway
	identity  Identity
	knowledge *knowledge.Base
	sessions  *registry

	opts   Options
	logger *slog.Logger
}

// NewMain creates a Main and parses the embedded templates. Templates are split into layout, pages and
// partial views.
func NewMain(gw *gateway.Gateway, id Identity, kb *knowledge.Base, opts Options, logger *slog.Logger) (Main, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		sofiaweb.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("error parsing templates: %w", err)
	}

	static, err := fs.Sub(sofiaweb.StaticFS, "static")
	if err != nil {
		return Main{}, fmt.Errorf("error opening static files: %w", err)
	}

	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = defaultDeviceTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	logger = logger.With(slog.String("module", "handlers"))

	m := Main{
		templates: tmpl,
		static:    static,
		gateway:   gw,
		identity:  id,
		knowledge: kb,
		opts:      opts,
		logger:    logger,
	}
	m.sessions = newRegistry(opts.SessionTTL, logger)
	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// The route middleware already checked that the session exists and belongs to the caller.
			sessionID := chi.URLParam(s.Req, "sessionID")
			if sessionID == "" {
				return sse.Subscription{}, false
			}
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, sessionTopic(sessionID)},
			}, true
		},
	}
	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Router returns the application's routes.
func (m Main) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(m.static))))

	r.Get("/", m.HandleLanding)
	r.Get("/login", m.HandleLoginPage)
	r.Post("/login", m.HandleLogin)
	r.Get("/register", m.HandleRegisterPage)
	r.Post("/register", m.HandleRegister)
	r.Post("/logout", m.HandleLogout)
	r.With(m.requirePageUser).Get("/dashboard", m.HandleDashboard)

	r.Options("/api/gemini-chat", m.HandleGeminiChatOptions)
	r.Post("/api/gemini-chat", m.HandleGeminiChat)

	r.Route("/api/knowledge", func(r chi.Router) {
		r.Get("/", m.HandleKnowledge)
		r.Get("/{articleID}", m.HandleKnowledgeArticle)
	})

	r.Route("/api/assistant/sessions", func(r chi.Router) {
		r.Use(m.requireAPIUser)
		r.Post("/", m.HandleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Use(m.withSession)
			r.Get("/", m.HandleSessionSnapshot)
			r.Delete("/", m.HandleDeleteSession)
			r.Get("/events", m.sseSrv.ServeHTTP)
			r.Post("/device-events", m.HandleDeviceEvent)

			r.Post("/messages", m.HandleSubmit)
			r.Post("/quick-help", m.HandleQuickHelp)
			r.Post("/image", m.HandleAttachImage)
			r.Delete("/image", m.HandleRemoveImage)
			r.Post("/frames", m.HandleSubmitFrame)
			r.Post("/new-chat", m.HandleNewChat)

			r.Post("/voice/start", m.HandleStartVoice)
			r.Post("/voice/stop", m.HandleStopVoice)
			r.Post("/voice-output/toggle", m.HandleToggleVoiceOutput)
			r.Post("/speech/{messageID}", m.HandleSpeakMessage)
			r.Delete("/speech", m.HandleStopSpeech)

			r.Post("/screen/start", m.HandleStartScreenShare)
			r.Post("/screen/stop", m.HandleStopScreenShare)

			r.Post("/fix", m.HandleGenerateFix)
			r.Delete("/fix", m.HandleDismissFix)
			r.Get("/fix/scripts/{index}", m.HandleDownloadScript)
		})
	})

	return r
}

// Shutdown closes every assistant session and terminates the SSE server. It broadcasts a close message to
// all connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.closeAll()

	e := &sse.Message{Type: sse.Type("closeSession")}
	// Events must carry data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		m.logger.Log(r.Context(), level, "Request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, errorResponse{Error: msg})
}

var templateFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"stars": func(rating float64) string {
		return fmt.Sprintf("%.1f", rating)
	},
	"date": func(t time.Time) string {
		return t.Format("Jan 2, 2006")
	},
}

const errLoggerKey = "err"
