package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/ircad-africa/sofia-web/internal/assistant"
	"github.com/ircad-africa/sofia-web/internal/models"
)

type liveSessionContextKey struct{}

type message struct {
	models.Message
	HTML          template.HTML `json:"html"`
	ImageAttached bool          `json:"hasImage"`
}

// snapshot is the session state pushed to the widget, with message content rendered to HTML.
type snapshot struct {
	assistant.Snapshot
	Messages []message `json:"messages"`
}

type submitRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type frameRequest struct {
	Image   string `json:"image"`
	Caption string `json:"caption,omitempty"`
}

type quickHelpRequest struct {
	Title string `json:"title"`
}

type fixRequest struct {
	Problem string `json:"problem"`
}

type voiceOutputResponse struct {
	VoiceOutput bool `json:"voiceOutput"`
}

// HandleCreateSession starts an assistant session for the signed-in user. The widget then subscribes to
// the session's event stream and reports the browser's capabilities through the device events endpoint.
func (m Main) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := uuid.New().String()
	topic := sessionTopic(id)
	logger := m.logger.With(slog.String("sessionID", id))

	ls := &liveSession{
		owner:    user.ID,
		rendered: make(map[string]template.HTML),
	}
	ls.bridge = newBridge(topic, m.sseSrv, m.opts.DeviceTimeout, logger)
	ls.session = assistant.New(assistant.Config{
		ID:              id,
		Inferer:         assistant.GatewayInferer(m.gateway),
		Recognizer:      ls.bridge,
		Speaker:         ls.bridge,
		Screen:          ls.bridge,
		CaptureInterval: m.opts.CaptureInterval,
		Observer: func(snap assistant.Snapshot) {
			m.publishSnapshot(ls, topic, snap)
		},
		Logger: m.logger,
	})
	m.sessions.add(ls)

	logger.Info("Session created", slog.String("userID", user.ID))
	m.writeJSON(w, http.StatusCreated, m.snapshotView(ls, ls.session.Snapshot()))
}

// HandleSessionSnapshot returns the current state of the session.
func (m Main) HandleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.writeJSON(w, http.StatusOK, m.snapshotView(ls, ls.session.Snapshot()))
}

// HandleDeleteSession closes the session, typically when the page is unloaded.
func (m Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.sessions.remove(ls.session.ID())
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmit sends a message with an optional data URL image. The reply arrives on the event stream.
func (m Main) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var req submitRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.writeError(w, status, err.Error())
		return
	}

	in := assistant.Input{Text: req.Text}
	if req.Image != "" {
		img, err := models.ParseDataURL(req.Image)
		if err != nil {
			m.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Image = &img
	}

	// The request context ends with this handler while the reply is still being generated.
	m.respond(w, ls, ls.session.Submit(context.WithoutCancel(r.Context()), in))
}

// HandleQuickHelp submits the canned request of a quick help category.
func (m Main) HandleQuickHelp(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var req quickHelpRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.writeError(w, status, err.Error())
		return
	}
	m.respond(w, ls, ls.session.QuickHelp(context.WithoutCancel(r.Context()), req.Title))
}

// HandleAttachImage sets the pending image.
func (m Main) HandleAttachImage(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var req submitRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.writeError(w, status, err.Error())
		return
	}
	img, err := models.ParseDataURL(req.Image)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.respond(w, ls, ls.session.AttachImage(img))
}

// HandleRemoveImage clears the pending image.
func (m Main) HandleRemoveImage(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.RemoveImage())
}

// HandleSubmitFrame analyzes a single screen capture uploaded by the widget, with an optional caption.
func (m Main) HandleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var req frameRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.writeError(w, status, err.Error())
		return
	}
	img, err := models.ParseDataURL(req.Image)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.respond(w, ls, ls.session.SubmitFrame(context.WithoutCancel(r.Context()), img, req.Caption))
}

// HandleNewChat replaces the history with a fresh greeting.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.NewChat())
}

// HandleStartVoice starts listening for one utterance.
func (m Main) HandleStartVoice(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.StartVoiceCapture())
}

// HandleStopVoice stops listening.
func (m Main) HandleStopVoice(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.StopVoiceCapture())
}

// HandleToggleVoiceOutput flips automatic read-aloud of replies.
func (m Main) HandleToggleVoiceOutput(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	on, err := ls.session.ToggleVoiceOutput()
	if err != nil {
		m.respond(w, ls, err)
		return
	}
	m.writeJSON(w, http.StatusOK, voiceOutputResponse{VoiceOutput: on})
}

// HandleSpeakMessage reads one message aloud.
func (m Main) HandleSpeakMessage(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.SpeakMessage(chi.URLParam(r, "messageID")))
}

// HandleStopSpeech cancels the current playback.
func (m Main) HandleStopSpeech(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.StopSpeech())
}

// HandleStartScreenShare asks the browser for a capture stream and blocks until the user answers.
func (m Main) HandleStartScreenShare(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.StartScreenShare(r.Context()))
}

// HandleStopScreenShare ends screen sharing.
func (m Main) HandleStopScreenShare(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.StopScreenShare())
}

// HandleGenerateFix asks for automated fix scripts for a problem description.
func (m Main) HandleGenerateFix(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var req fixRequest
	if status, err := m.decodeJSON(w, r, &req); err != nil {
		m.writeError(w, status, err.Error())
		return
	}
	m.respond(w, ls, ls.session.GenerateFix(context.WithoutCancel(r.Context()), req.Problem))
}

// HandleDismissFix hides the automation suggestion.
func (m Main) HandleDismissFix(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())
	m.respond(w, ls, ls.session.DismissAutomation())
}

// HandleDownloadScript serves one script of the current fix as an attachment. Scripts are never executed
// server side.
func (m Main) HandleDownloadScript(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	fix := ls.session.Snapshot().Fix
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || fix == nil || index < 0 || index >= len(fix.Scripts) {
		m.writeError(w, http.StatusNotFound, "script not found")
		return
	}

	script := fix.Scripts[index]
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", script.Filename(index)))
	_, _ = w.Write([]byte(script.Code))
}

// HandleDeviceEvent receives the browser's capability callbacks: command replies, recognition results
// and playback progress.
func (m Main) HandleDeviceEvent(w http.ResponseWriter, r *http.Request) {
	ls := liveSessionFromContext(r.Context())

	var ev deviceEvent
	if status, err := m.decodeJSON(w, r, &ev); err != nil {
		m.writeError(w, status, err.Error())
		return
	}

	if ls.bridge.handle(ev) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var sev assistant.Event
	switch ev.Type {
	case evTranscript:
		sev = assistant.TranscriptRecognized{Text: ev.Text}
	case evRecognitionEnd:
		sev = assistant.RecognitionEnded{}
	case evRecognitionError:
		sev = assistant.RecognitionFailed{Reason: ev.Reason}
	case evSpeechStart:
		sev = assistant.SpeechStarted{MessageID: ev.MessageID}
	case evSpeechEnd:
		sev = assistant.SpeechEnded{MessageID: ev.MessageID}
	default:
		m.writeError(w, http.StatusBadRequest, "unknown device event type")
		return
	}
	m.respond(w, ls, ls.session.Deliver(sev))
}

func (m Main) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		ls, ok := m.sessions.get(chi.URLParam(r, "sessionID"), user.ID)
		if !ok {
			m.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), liveSessionContextKey{}, ls)))
	})
}

func liveSessionFromContext(ctx context.Context) *liveSession {
	return ctx.Value(liveSessionContextKey{}).(*liveSession)
}

// respond maps a session operation result to a status code.
func (m Main) respond(w http.ResponseWriter, ls *liveSession, err error) {
	if err == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, assistant.ErrNothingToSend):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, models.ErrImageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrNotAnImage), errors.Is(err, models.ErrInvalidDataURL),
		errors.Is(err, assistant.ErrUnknownCategory):
		status = http.StatusBadRequest
	case errors.Is(err, assistant.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, assistant.ErrScreenShareDenied):
		status = http.StatusForbidden
	case errors.Is(err, assistant.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, assistant.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, assistant.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		m.logger.Error("Session operation failed",
			slog.String("sessionID", ls.session.ID()),
			slog.String(errLoggerKey, err.Error()))
	}
	m.writeError(w, status, err.Error())
}

func (m Main) snapshotView(ls *liveSession, snap assistant.Snapshot) snapshot {
	view := snapshot{Snapshot: snap, Messages: make([]message, 0, len(snap.Messages))}
	for _, msg := range snap.Messages {
		html, err := ls.html(msg)
		if err != nil {
			m.logger.Warn("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			html = template.HTML(template.HTMLEscapeString(msg.Content))
		}
		view.Messages = append(view.Messages, message{Message: msg, HTML: html, ImageAttached: msg.HasImage()})
	}
	return view
}

func (m Main) publishSnapshot(ls *liveSession, topic string, snap assistant.Snapshot) {
	view := m.snapshotView(ls, snap)
	ls.prune(snap.Messages)

	data, err := json.Marshal(view)
	if err != nil {
		m.logger.Error("Failed to marshal snapshot", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: snapshotSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, topic); err != nil {
		m.logger.Error("Failed to publish snapshot",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}
