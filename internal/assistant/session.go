// Package assistant implements the conversational session behind the support widget: message history,
// pending attachments, voice input and output, periodic screen analysis and automation suggestions.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/models"
)

const (
	// DefaultCaptureInterval is the pause between two screen captures while sharing.
	DefaultCaptureInterval = 3 * time.Second
	// DefaultSpeechDelay is the pause before a voice-originated reply is read aloud.
	DefaultSpeechDelay = 800 * time.Millisecond

	queueSize = 64
)

var (
	// ErrNothingToSend is returned by Submit when there is no text, no image and no active screen share.
	// The session is left untouched.
	ErrNothingToSend = errors.New("nothing to send")
	// ErrBusy is returned while a request is outstanding.
	ErrBusy = errors.New("a request is already in progress")
	// ErrSessionClosed is returned by every operation once the session is closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrMessageNotFound is returned by SpeakMessage for an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// Config holds the collaborators of a session. Only Inferer is required; a missing capability makes the
// matching operations return ErrUnsupported.
type Config struct {
	// ID identifies the session. A random one is generated when empty.
	ID string

	Inferer    Inferer
	Recognizer Recognizer
	Speaker    Speaker
	Screen     ScreenCapturer

	CaptureInterval time.Duration
	SpeechDelay     time.Duration

	// Observer receives a snapshot after every state change. It is called from the session goroutine and
	// must not call back into the session.
	Observer func(Snapshot)

	Logger *slog.Logger
}

// Input is a user submission. Empty fields fall back to the pending transcript and attachment.
type Input struct {
	Text  string
	Image *models.Image
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	ID       string           `json:"id"`
	Messages []models.Message `json:"messages"`

	PendingText     string `json:"pendingText"`
	PendingImage    bool   `json:"pendingImage"`
	VoiceOriginated bool   `json:"voiceOriginated"`

	Loading           bool   `json:"loading"`
	Listening         bool   `json:"listening"`
	ScreenSharing     bool   `json:"screenSharing"`
	Speaking          bool   `json:"speaking"`
	SpeakingMessageID string `json:"speakingMessageId,omitempty"`
	VoiceOutput       bool   `json:"voiceOutput"`

	AutomationSuggested bool                 `json:"automationSuggested"`
	Fix                 *models.GeneratedFix `json:"fix,omitempty"`
}

// Session is one conversation with the assistant. All state is owned by a single goroutine; operations
// and capability events are queued to it and applied in call order. At most one inference request is
// outstanding at a time.
type Session struct {
	id string

	inferer    Inferer
	recognizer Recognizer
	speaker    Speaker
	screen     ScreenCapturer

	captureInterval time.Duration
	speechDelay     time.Duration
	observer        func(Snapshot)

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	st   state
	last atomic.Pointer[Snapshot]

	logger *slog.Logger
}

type state struct {
	messages []models.Message

	pendingText    string
	pendingImage   *models.Image
	voicePending   bool
	lastInputVoice bool

	loading   bool
	listening bool

	sharing     bool
	acquiring   bool
	stream      Stream
	stopCapture context.CancelFunc
	shareGen    int
	latestFrame *models.Image

	speaking    bool
	speakingID  string
	voiceOutput bool

	automation bool
	fix        *models.GeneratedFix
}

// New creates a session seeded with the greeting and starts its goroutine. Close must be called to
// release it.
func New(cfg Config) *Session {
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = DefaultCaptureInterval
	}
	if cfg.SpeechDelay <= 0 {
		cfg.SpeechDelay = DefaultSpeechDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	inferer := cfg.Inferer
	if inferer == nil {
		inferer = InfererFunc(func(context.Context, gateway.Request) (string, error) {
			return "", ErrUnsupported
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	s := &Session{
		id:              id,
		inferer:         inferer,
		recognizer:      cfg.Recognizer,
		speaker:         cfg.Speaker,
		screen:          cfg.Screen,
		captureInterval: cfg.CaptureInterval,
		speechDelay:     cfg.SpeechDelay,
		observer:        cfg.Observer,
		cmds:            make(chan func(), queueSize),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		logger:          cfg.Logger.With(slog.String("module", "assistant"), slog.String("sessionID", id)),
	}
	s.st.messages = []models.Message{models.NewMessage(models.RoleAssistant, Greeting)}
	s.st.voiceOutput = true
	s.notify()

	go s.run()

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the state as of the last change.
func (s *Session) Snapshot() Snapshot {
	return *s.last.Load()
}

// Close stops screen sharing, speech and recognition and ends the session goroutine. Outstanding
// requests are abandoned.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Submit sends the text and image, or the pending transcript and attachment when they are empty. With
// nothing to send and no active screen share it returns ErrNothingToSend and changes nothing. It returns
// once the user message is recorded; the reply arrives asynchronously and is always exactly one assistant
// message, even when the request fails.
func (s *Session) Submit(ctx context.Context, in Input) error {
	if in.Image != nil {
		if err := in.Image.Validate(); err != nil {
			return err
		}
	}
	return s.exec(ctx, func() error { return s.submit(in) })
}

// QuickHelp submits the canned request of the category with the given title.
func (s *Session) QuickHelp(ctx context.Context, title string) error {
	c, ok := quickHelpCategory(title)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, title)
	}
	return s.Submit(ctx, Input{Text: c.QuickHelpMessage()})
}

// AttachImage sets the pending image, replacing any previous one. Oversized and non-image payloads are
// rejected.
func (s *Session) AttachImage(img models.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	return s.exec(context.Background(), func() error {
		s.st.pendingImage = &img
		s.notify()
		return nil
	})
}

// RemoveImage clears the pending image.
func (s *Session) RemoveImage() error {
	return s.exec(context.Background(), func() error {
		s.st.pendingImage = nil
		s.notify()
		return nil
	})
}

// StartVoiceCapture begins recognizing a single utterance. It is a no-op while already listening.
func (s *Session) StartVoiceCapture() error {
	if s.recognizer == nil {
		return ErrUnsupported
	}
	return s.exec(context.Background(), func() error {
		if s.st.listening {
			return nil
		}
		if err := s.recognizer.Start(); err != nil {
			return fmt.Errorf("failed to start recognition: %w", err)
		}
		s.st.listening = true
		s.notify()
		return nil
	})
}

// StopVoiceCapture ends the current utterance. It is a no-op when not listening.
func (s *Session) StopVoiceCapture() error {
	if s.recognizer == nil {
		return ErrUnsupported
	}
	return s.exec(context.Background(), func() error {
		if !s.st.listening {
			return nil
		}
		if err := s.recognizer.Stop(); err != nil {
			s.logger.Warn("Failed to stop recognition", slog.String(errLoggerKey, err.Error()))
		}
		s.st.listening = false
		s.notify()
		return nil
	})
}

// StartScreenShare acquires a capture stream, blocking while the user is asked for permission, then
// analyzes a frame immediately and after every capture interval. It is a no-op while already sharing or
// while another call is waiting on the permission prompt.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if s.screen == nil {
		return ErrUnsupported
	}
	started := false
	err := s.exec(ctx, func() error {
		if s.st.sharing || s.st.acquiring {
			return nil
		}
		s.st.acquiring, started = true, true
		return nil
	})
	if err != nil || !started {
		return err
	}
	defer s.enqueue(func() { s.st.acquiring = false })

	stream, err := s.screen.Acquire(ctx)
	if errors.Is(err, ErrUnsupported) {
		return err
	}
	if err != nil {
		s.logger.Warn("Screen share not granted", slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("%w: %w", ErrScreenShareDenied, err)
	}

	err = s.exec(ctx, func() error {
		if s.st.sharing {
			stream.Stop()
			return nil
		}
		s.beginShare(stream)
		return nil
	})
	if err != nil {
		stream.Stop()
	}
	return err
}

// StopScreenShare stops the capture loop and releases the stream. It is a no-op when not sharing.
func (s *Session) StopScreenShare() error {
	return s.exec(context.Background(), func() error {
		s.stopShare()
		return nil
	})
}

// SubmitFrame analyzes a single screen capture. Without a caption only the analysis is appended; with
// one, the caption is recorded as a user message first.
func (s *Session) SubmitFrame(ctx context.Context, img models.Image, caption string) error {
	if err := img.Validate(); err != nil {
		return err
	}
	return s.exec(ctx, func() error {
		return s.analyzeFrame(img, strings.TrimSpace(caption), true)
	})
}

// ToggleVoiceOutput flips automatic reading of replies and returns the new setting. Turning it off
// cancels any playback immediately.
func (s *Session) ToggleVoiceOutput() (bool, error) {
	var enabled bool
	err := s.exec(context.Background(), func() error {
		s.st.voiceOutput = !s.st.voiceOutput
		if !s.st.voiceOutput {
			s.cancelSpeech()
		}
		enabled = s.st.voiceOutput
		s.notify()
		return nil
	})
	return enabled, err
}

// SpeakMessage reads a message aloud. It is a no-op while voice output is disabled.
func (s *Session) SpeakMessage(messageID string) error {
	if s.speaker == nil {
		return ErrUnsupported
	}
	return s.exec(context.Background(), func() error {
		if !s.st.voiceOutput {
			return nil
		}
		i := slices.IndexFunc(s.st.messages, func(m models.Message) bool { return m.ID == messageID })
		if i < 0 {
			return ErrMessageNotFound
		}
		return s.speak(messageID, s.st.messages[i].Content)
	})
}

// StopSpeech cancels playback.
func (s *Session) StopSpeech() error {
	return s.exec(context.Background(), func() error {
		s.cancelSpeech()
		s.notify()
		return nil
	})
}

// NewChat replaces the history with the short greeting. Attachments, flags and any outstanding request
// are kept.
func (s *Session) NewChat() error {
	return s.exec(context.Background(), func() error {
		s.st.messages = []models.Message{models.NewMessage(models.RoleAssistant, NewChatGreeting)}
		s.notify()
		return nil
	})
}

// GenerateFix asks for automated solutions to problem. On success the fix replaces the current one and
// a message announcing it is appended; on failure nothing is appended.
func (s *Session) GenerateFix(ctx context.Context, problem string) error {
	problem = strings.TrimSpace(problem)
	if problem == "" {
		return ErrNothingToSend
	}
	return s.exec(ctx, func() error {
		if s.st.loading {
			return ErrBusy
		}
		s.st.loading = true
		s.notify()

		req := gateway.Request{Message: fixPrompt(problem), Role: gateway.RoleAutomation}
		s.infer(req, func(reply string, err error) {
			if err != nil {
				s.logger.Error("Failed to generate fix", slog.String(errLoggerKey, err.Error()))
			} else {
				fix := models.NewGeneratedFix(reply, problem)
				s.st.fix = &fix
				s.st.automation = true
				s.st.messages = append(s.st.messages, models.NewMessage(models.RoleAssistant, fixPrefix+reply))
			}
			s.st.loading = false
			s.notify()
		})
		return nil
	})
}

// DismissAutomation hides the automation panel. The fix is kept until replaced.
func (s *Session) DismissAutomation() error {
	return s.exec(context.Background(), func() error {
		s.st.automation = false
		s.notify()
		return nil
	})
}

// Deliver queues a capability callback. It does not wait for the event to be applied and must not be
// called from within a capability method.
func (s *Session) Deliver(ev Event) error {
	if !s.enqueue(func() { s.handle(ev) }) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	if s.st.sharing {
		s.st.stopCapture()
		s.st.stream.Stop()
		s.st.sharing = false
	}
	if s.st.listening && s.recognizer != nil {
		if err := s.recognizer.Stop(); err != nil {
			s.logger.Warn("Failed to stop recognition", slog.String(errLoggerKey, err.Error()))
		}
		s.st.listening = false
	}
	s.cancelSpeech()
	s.logger.Debug("Session closed")
}

// exec runs fn on the session goroutine and waits for its result.
func (s *Session) exec(ctx context.Context, fn func() error) error {
	if s.closed() {
		return ErrSessionClosed
	}

	errc := make(chan error, 1)
	select {
	case s.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) enqueue(fn func()) bool {
	if s.closed() {
		return false
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) handle(ev Event) {
	switch ev := ev.(type) {
	case TranscriptRecognized:
		s.st.pendingText = ev.Text
		s.st.voicePending = strings.TrimSpace(ev.Text) != ""
		s.st.listening = false
	case RecognitionEnded:
		s.st.listening = false
	case RecognitionFailed:
		s.logger.Warn("Speech recognition failed", slog.String("reason", ev.Reason))
		s.st.listening = false
	case SpeechStarted:
		s.st.speaking = true
		s.st.speakingID = ev.MessageID
	case SpeechEnded:
		if ev.MessageID == "" || ev.MessageID == s.st.speakingID {
			s.st.speaking = false
			s.st.speakingID = ""
		}
	case StreamEnded:
		s.stopShare()
	}
	s.notify()
}

func (s *Session) submit(in Input) error {
	if s.st.loading {
		return ErrBusy
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = strings.TrimSpace(s.st.pendingText)
	}
	img := in.Image
	if img == nil {
		img = s.st.pendingImage
	}
	if text == "" && img == nil && !s.st.sharing {
		return ErrNothingToSend
	}

	content, prompt, role := text, text, gateway.RoleSupport
	analysis := ""
	if img != nil {
		analysis = imageAnalyzed
	}
	if text == "" {
		switch {
		case img != nil:
			content, prompt = imagePlaceholder, imageFallbackPrompt
		case s.st.latestFrame != nil:
			img = s.st.latestFrame
			content, prompt, role = screenPlaceholder, ScreenAnalysisPrompt, gateway.RoleScreen
			analysis = screenAnalyzed
		default:
			content, prompt = screenPlaceholder, screenPlaceholder
		}
	}

	user := models.NewMessage(models.RoleUser, content)
	user.Image = img
	s.st.messages = append(s.st.messages, user)

	speakReply := s.st.voicePending
	s.st.lastInputVoice = s.st.voicePending
	s.st.voicePending = false
	s.st.pendingText = ""
	s.st.pendingImage = nil
	s.st.loading = true
	s.notify()

	s.infer(gateway.Request{Message: prompt, Image: img, Role: role}, func(reply string, err error) {
		if err != nil {
			s.logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))
			s.st.messages = append(s.st.messages, models.NewMessage(models.RoleAssistant, chatFailed))
		} else {
			msg := models.NewMessage(models.RoleAssistant, reply)
			msg.ImageAnalysis = analysis
			s.appendReply(msg, reply)
			if speakReply {
				s.scheduleSpeech(msg.ID, reply)
				s.st.lastInputVoice = false
			}
		}
		s.st.loading = false
		s.notify()
	})
	return nil
}

func (s *Session) beginShare(stream Stream) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.st.sharing = true
	s.st.stream = stream
	s.st.stopCapture = cancel
	s.st.shareGen++
	s.st.latestFrame = nil
	s.st.messages = append(s.st.messages, models.NewMessage(models.RoleAssistant, screenShareStarted))
	s.notify()

	s.logger.Info("Screen share started")
	go s.captureLoop(ctx, s.st.shareGen, stream)
}

func (s *Session) stopShare() {
	if !s.st.sharing {
		return
	}
	s.st.stopCapture()
	s.st.stream.Stop()
	s.st.sharing = false
	s.st.stream = nil
	s.st.stopCapture = nil
	s.st.latestFrame = nil
	s.st.shareGen++
	s.st.messages = append(s.st.messages, models.NewMessage(models.RoleAssistant, screenShareStopped))
	s.notify()

	s.logger.Info("Screen share stopped")
}

func (s *Session) captureLoop(ctx context.Context, gen int, stream Stream) {
	ticker := time.NewTicker(s.captureInterval)
	defer ticker.Stop()

	s.captureFrame(ctx, gen, stream)
	for {
		select {
		case <-ticker.C:
			s.captureFrame(ctx, gen, stream)
		case <-stream.Done():
			s.enqueue(func() {
				if gen == s.st.shareGen {
					s.stopShare()
				}
			})
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) captureFrame(ctx context.Context, gen int, stream Stream) {
	img, err := stream.Capture(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to capture screen", slog.String(errLoggerKey, err.Error()))
		}
		return
	}
	s.enqueue(func() {
		if gen != s.st.shareGen || !s.st.sharing {
			return
		}
		s.st.latestFrame = &img
		_ = s.analyzeFrame(img, "", false)
	})
}

// analyzeFrame sends a screen capture for analysis. Periodic frames are dropped while a request is
// outstanding; explicit ones report ErrBusy.
func (s *Session) analyzeFrame(img models.Image, caption string, explicit bool) error {
	if s.st.loading {
		if explicit {
			return ErrBusy
		}
		s.logger.Debug("Dropping screen capture while a request is in flight")
		return nil
	}

	prompt := ScreenAnalysisPrompt
	if caption != "" {
		user := models.NewMessage(models.RoleUser, caption)
		user.Image = &img
		s.st.messages = append(s.st.messages, user)
		prompt = caption
	}

	speakReply := s.st.lastInputVoice
	s.st.lastInputVoice = false
	s.st.loading = true
	s.notify()

	s.infer(gateway.Request{Message: prompt, Image: &img, Role: gateway.RoleScreen}, func(reply string, err error) {
		if err != nil {
			s.logger.Error("Screen analysis failed", slog.String(errLoggerKey, err.Error()))
			s.st.messages = append(s.st.messages, models.NewMessage(models.RoleAssistant, screenAnalysisFailed))
		} else {
			msg := models.NewMessage(models.RoleAssistant, screenAnalysisPrefix+reply)
			msg.ImageAnalysis = screenAnalyzed
			s.appendReply(msg, reply)
			if speakReply {
				s.scheduleSpeech(msg.ID, reply)
			}
		}
		s.st.loading = false
		s.notify()
	})
	return nil
}

// infer runs the request off the session goroutine and applies done on it once the reply is in.
func (s *Session) infer(req gateway.Request, done func(string, error)) {
	go func() {
		reply, err := s.inferer.Infer(s.ctx, req)
		s.enqueue(func() { done(reply, err) })
	}()
}

func (s *Session) appendReply(msg models.Message, reply string) {
	s.st.messages = append(s.st.messages, msg)
	if ClassifyForAutomation(reply) {
		fix := models.NewGeneratedFix(reply, "")
		s.st.fix = &fix
		s.st.automation = true
	}
}

func (s *Session) scheduleSpeech(messageID, text string) {
	if s.speaker == nil || !s.st.voiceOutput {
		return
	}
	time.AfterFunc(s.speechDelay, func() {
		s.enqueue(func() {
			if !s.st.voiceOutput {
				return
			}
			if err := s.speak(messageID, text); err != nil {
				s.logger.Warn("Failed to read reply aloud", slog.String(errLoggerKey, err.Error()))
			}
		})
	})
}

func (s *Session) speak(messageID, text string) error {
	if s.speaker == nil {
		return ErrUnsupported
	}
	s.speaker.Cancel()
	s.st.speaking = false
	s.st.speakingID = ""
	if err := s.speaker.Speak(newUtterance(messageID, text, s.speaker.Voices())); err != nil {
		return fmt.Errorf("failed to speak: %w", err)
	}
	return nil
}

func (s *Session) cancelSpeech() {
	if s.speaker != nil {
		s.speaker.Cancel()
	}
	s.st.speaking = false
	s.st.speakingID = ""
}

func (s *Session) notify() {
	snap := Snapshot{
		ID:                  s.id,
		Messages:            slices.Clone(s.st.messages),
		PendingText:         s.st.pendingText,
		PendingImage:        s.st.pendingImage != nil,
		VoiceOriginated:     s.st.voicePending,
		Loading:             s.st.loading,
		Listening:           s.st.listening,
		ScreenSharing:       s.st.sharing,
		Speaking:            s.st.speaking,
		SpeakingMessageID:   s.st.speakingID,
		VoiceOutput:         s.st.voiceOutput,
		AutomationSuggested: s.st.automation,
	}
	if s.st.fix != nil {
		fix := *s.st.fix
		snap.Fix = &fix
	}
	s.last.Store(&snap)

	if s.observer != nil {
		s.observer(snap)
	}
}

const errLoggerKey = "err"
