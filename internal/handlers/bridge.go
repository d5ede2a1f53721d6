package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/ircad-africa/sofia-web/internal/assistant"
	"github.com/ircad-africa/sofia-web/internal/models"
)

// Commands pushed to the browser on the session's event stream.
const (
	cmdRecognitionStart = "recognition.start"
	cmdRecognitionStop  = "recognition.stop"
	cmdSpeak            = "speech.speak"
	cmdSpeechCancel     = "speech.cancel"
	cmdScreenAcquire    = "screen.acquire"
	cmdScreenCapture    = "screen.capture"
	cmdScreenStop       = "screen.stop"
)

// Events posted back by the browser.
const (
	evCapabilities     = "capabilities"
	evVoices           = "voices"
	evTranscript       = "transcript"
	evRecognitionEnd   = "recognition.end"
	evRecognitionError = "recognition.error"
	evSpeechStart      = "speech.start"
	evSpeechEnd        = "speech.end"
	evScreenAcquired   = "screen.acquired"
	evScreenDenied     = "screen.denied"
	evScreenFrame      = "screen.frame"
	evScreenError      = "screen.error"
	evScreenEnded      = "screen.ended"
)

// SSE event types for real-time updates.
var (
	deviceSSEType   = sse.Type("device")
	snapshotSSEType = sse.Type("snapshot")
)

var (
	errDeviceTimeout = errors.New("browser did not answer in time")
	errStreamEnded   = errors.New("screen capture stream ended")
	errScreenBusy    = errors.New("screen capture already active")
)

type publisher interface {
	Publish(msg *sse.Message, topics ...string) error
}

type deviceCommand struct {
	Command   string               `json:"command"`
	ID        string               `json:"id,omitempty"`
	Utterance *assistant.Utterance `json:"utterance,omitempty"`
}

type deviceEvent struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	Text         string            `json:"text,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	Image        string            `json:"image,omitempty"`
	Voices       []assistant.Voice `json:"voices,omitempty"`
	Capabilities *capabilities     `json:"capabilities,omitempty"`
}

type capabilities struct {
	Recognition bool `json:"recognition"`
	Speech      bool `json:"speech"`
	Screen      bool `json:"screen"`
}

// bridge drives the browser's speech and screen capture APIs on behalf of a session. Commands go out on the
// session's SSE topic; replies and callbacks come back through the device events endpoint. Capabilities
// are unavailable until the browser reports them.
type bridge struct {
	topic   string
	pub     publisher
	timeout time.Duration

	mu        sync.Mutex
	caps      capabilities
	voices    []assistant.Voice
	pending   map[string]chan deviceEvent
	stream    *screenStream
	acquiring bool
	closed    bool

	logger *slog.Logger
}

func newBridge(topic string, pub publisher, timeout time.Duration, logger *slog.Logger) *bridge {
	return &bridge{
		topic:   topic,
		pub:     pub,
		timeout: timeout,
		pending: make(map[string]chan deviceEvent),
		logger:  logger,
	}
}

// handle consumes the events addressed to the bridge itself and reports whether it did.
func (b *bridge) handle(ev deviceEvent) bool {
	switch ev.Type {
	case evCapabilities:
		if ev.Capabilities != nil {
			b.mu.Lock()
			b.caps = *ev.Capabilities
			b.mu.Unlock()
		}
		return true
	case evVoices:
		b.mu.Lock()
		b.voices = append([]assistant.Voice(nil), ev.Voices...)
		b.mu.Unlock()
		return true
	case evScreenEnded:
		b.mu.Lock()
		st := b.stream
		b.mu.Unlock()
		if st != nil {
			st.end()
		}
		return true
	case evScreenAcquired, evScreenDenied, evScreenFrame, evScreenError:
		b.mu.Lock()
		ch, ok := b.pending[ev.ID]
		delete(b.pending, ev.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("Dropping unmatched device reply", slog.String("type", ev.Type), slog.String("id", ev.ID))
			return true
		}
		ch <- ev
		return true
	}
	return false
}

func (b *bridge) close() {
	b.mu.Lock()
	b.closed = true
	st := b.stream
	b.mu.Unlock()
	if st != nil {
		st.end()
	}
}

func (b *bridge) send(cmd deviceCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("error marshaling device command: %w", err)
	}
	msg := &sse.Message{Type: deviceSSEType}
	msg.AppendData(string(data))
	if err := b.pub.Publish(msg, b.topic); err != nil {
		return fmt.Errorf("error publishing device command: %w", err)
	}
	return nil
}

// request sends cmd and waits for the reply carrying the same id.
func (b *bridge) request(ctx context.Context, cmd deviceCommand, done <-chan struct{}) (deviceEvent, error) {
	select {
	case <-done:
		return deviceEvent{}, errStreamEnded
	default:
	}

	cmd.ID = uuid.New().String()
	ch := make(chan deviceEvent, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return deviceEvent{}, assistant.ErrSessionClosed
	}
	b.pending[cmd.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	if err := b.send(cmd); err != nil {
		return deviceEvent{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, nil
	case <-done:
		return deviceEvent{}, errStreamEnded
	case <-ctx.Done():
		return deviceEvent{}, ctx.Err()
	case <-timer.C:
		return deviceEvent{}, errDeviceTimeout
	}
}

func (b *bridge) supported() capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caps
}

// Start implements assistant.Recognizer.
func (b *bridge) Start() error {
	if !b.supported().Recognition {
		return assistant.ErrUnsupported
	}
	return b.send(deviceCommand{Command: cmdRecognitionStart})
}

// Stop implements assistant.Recognizer.
func (b *bridge) Stop() error {
	return b.send(deviceCommand{Command: cmdRecognitionStop})
}

// Voices implements assistant.Speaker.
func (b *bridge) Voices() []assistant.Voice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]assistant.Voice(nil), b.voices...)
}

// Speak implements assistant.Speaker.
func (b *bridge) Speak(u assistant.Utterance) error {
	if !b.supported().Speech {
		return assistant.ErrUnsupported
	}
	return b.send(deviceCommand{Command: cmdSpeak, Utterance: &u})
}

// Cancel implements assistant.Speaker.
func (b *bridge) Cancel() {
	if err := b.send(deviceCommand{Command: cmdSpeechCancel}); err != nil {
		b.logger.Warn("Failed to cancel speech", slog.String(errLoggerKey, err.Error()))
	}
}

// Acquire implements assistant.ScreenCapturer. It blocks until the browser reports whether the user granted
// the capture. Only one stream exists at a time: a second Acquire fails with errScreenBusy while another is
// pending or active.
func (b *bridge) Acquire(ctx context.Context) (assistant.Stream, error) {
	if !b.supported().Screen {
		return nil, assistant.ErrUnsupported
	}

	b.mu.Lock()
	if b.acquiring || b.stream != nil {
		b.mu.Unlock()
		return nil, errScreenBusy
	}
	b.acquiring = true
	b.mu.Unlock()

	st, err := b.acquire(ctx)
	b.mu.Lock()
	b.acquiring = false
	if err == nil && b.closed {
		err = assistant.ErrSessionClosed
	}
	if err == nil {
		b.stream = st
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (b *bridge) acquire(ctx context.Context) (*screenStream, error) {
	ev, err := b.request(ctx, deviceCommand{Command: cmdScreenAcquire}, nil)
	if err != nil {
		return nil, err
	}
	if ev.Type != evScreenAcquired {
		reason := ev.Reason
		if reason == "" {
			reason = "permission denied"
		}
		return nil, errors.New(reason)
	}

	return &screenStream{b: b, done: make(chan struct{})}, nil
}

type screenStream struct {
	b    *bridge
	done chan struct{}
	once sync.Once
}

func (s *screenStream) Capture(ctx context.Context) (models.Image, error) {
	ev, err := s.b.request(ctx, deviceCommand{Command: cmdScreenCapture}, s.done)
	if err != nil {
		return models.Image{}, err
	}
	if ev.Type != evScreenFrame {
		return models.Image{}, fmt.Errorf("screen capture failed: %s", ev.Reason)
	}
	img, err := models.ParseDataURL(ev.Image)
	if err != nil {
		return models.Image{}, fmt.Errorf("error decoding screen capture: %w", err)
	}
	return img, nil
}

func (s *screenStream) Done() <-chan struct{} {
	return s.done
}

func (s *screenStream) Stop() {
	if !s.end() {
		return
	}
	if err := s.b.send(deviceCommand{Command: cmdScreenStop}); err != nil {
		s.b.logger.Warn("Failed to stop screen capture", slog.String(errLoggerKey, err.Error()))
	}
}

// end closes the stream and reports whether this call did.
func (s *screenStream) end() bool {
	ended := false
	s.once.Do(func() {
		close(s.done)
		ended = true
	})

	s.b.mu.Lock()
	if s.b.stream == s {
		s.b.stream = nil
	}
	s.b.mu.Unlock()
	return ended
}
