package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/ircad-africa/sofia-web/internal/assistant"
	"github.com/ircad-africa/sofia-web/internal/models"
)

type recordingPublisher struct {
	sent chan deviceCommand
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(chan deviceCommand, 16)}
}

func (p *recordingPublisher) Publish(msg *sse.Message, _ ...string) error {
	text, err := msg.MarshalText()
	if err != nil {
		return err
	}
	var data string
	for _, line := range strings.Split(string(text), "\n") {
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data += d
		}
	}
	var cmd deviceCommand
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return err
	}
	p.sent <- cmd
	return nil
}

func (p *recordingPublisher) next(t *testing.T) deviceCommand {
	t.Helper()
	select {
	case cmd := <-p.sent:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no device command was published")
		return deviceCommand{}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const pngDataURL = "data:image/png;base64,iVBORw0KGgo="

func TestBridgeCapabilitiesUnknownUntilReported(t *testing.T) {
	pub := newRecordingPublisher()
	b := newBridge("topic", pub, time.Second, discardLogger())

	if err := b.Start(); !errors.Is(err, assistant.ErrUnsupported) {
		t.Errorf("Start() error = %v, want ErrUnsupported", err)
	}
	if err := b.Speak(assistant.Utterance{Text: "hi"}); !errors.Is(err, assistant.ErrUnsupported) {
		t.Errorf("Speak() error = %v, want ErrUnsupported", err)
	}
	if _, err := b.Acquire(context.Background()); !errors.Is(err, assistant.ErrUnsupported) {
		t.Errorf("Acquire() error = %v, want ErrUnsupported", err)
	}

	if !b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Recognition: true, Speech: true}}) {
		t.Fatal("capabilities event was not handled by the bridge")
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if cmd := pub.next(t); cmd.Command != cmdRecognitionStart {
		t.Errorf("command = %q, want %q", cmd.Command, cmdRecognitionStart)
	}

	if err := b.Speak(assistant.Utterance{MessageID: "m1", Text: "hello"}); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	cmd := pub.next(t)
	if cmd.Command != cmdSpeak || cmd.Utterance == nil || cmd.Utterance.MessageID != "m1" {
		t.Errorf("speak command = %+v", cmd)
	}
}

func TestBridgeVoices(t *testing.T) {
	b := newBridge("topic", newRecordingPublisher(), time.Second, discardLogger())
	b.handle(deviceEvent{Type: evVoices, Voices: []assistant.Voice{{Name: "Google US English", Lang: "en-US"}}})

	voices := b.Voices()
	if len(voices) != 1 || voices[0].Name != "Google US English" {
		t.Errorf("Voices() = %+v", voices)
	}
}

func TestBridgeLeavesSessionEventsAlone(t *testing.T) {
	b := newBridge("topic", newRecordingPublisher(), time.Second, discardLogger())
	for _, typ := range []string{evTranscript, evRecognitionEnd, evRecognitionError, evSpeechStart, evSpeechEnd} {
		if b.handle(deviceEvent{Type: typ}) {
			t.Errorf("handle(%q) = true, want false", typ)
		}
	}
}

func TestBridgeScreenCapture(t *testing.T) {
	pub := newRecordingPublisher()
	b := newBridge("topic", pub, time.Second, discardLogger())
	b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Screen: true}})

	type acquired struct {
		stream assistant.Stream
		err    error
	}
	res := make(chan acquired, 1)
	go func() {
		st, err := b.Acquire(context.Background())
		res <- acquired{st, err}
	}()

	cmd := pub.next(t)
	if cmd.Command != cmdScreenAcquire || cmd.ID == "" {
		t.Fatalf("acquire command = %+v", cmd)
	}
	b.handle(deviceEvent{Type: evScreenAcquired, ID: cmd.ID})

	got := <-res
	if got.err != nil {
		t.Fatalf("Acquire() error = %v", got.err)
	}

	frame := make(chan error, 1)
	var img models.Image
	go func() {
		var err error
		img, err = got.stream.Capture(context.Background())
		frame <- err
	}()
	cmd = pub.next(t)
	if cmd.Command != cmdScreenCapture {
		t.Fatalf("capture command = %+v", cmd)
	}
	b.handle(deviceEvent{Type: evScreenFrame, ID: cmd.ID, Image: pngDataURL})
	if err := <-frame; err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if img.MediaType != "image/png" {
		t.Errorf("MediaType = %q, want image/png", img.MediaType)
	}

	// The user ended sharing from the browser.
	b.handle(deviceEvent{Type: evScreenEnded})
	select {
	case <-got.stream.Done():
	default:
		t.Fatal("stream is not done after screen.ended")
	}
	if _, err := got.stream.Capture(context.Background()); !errors.Is(err, errStreamEnded) {
		t.Errorf("Capture() after end error = %v, want errStreamEnded", err)
	}

	// Stop on an ended stream does not publish another command.
	got.stream.Stop()
	select {
	case cmd := <-pub.sent:
		t.Errorf("unexpected command %q after the stream ended", cmd.Command)
	default:
	}
}

func TestBridgeScreenDenied(t *testing.T) {
	pub := newRecordingPublisher()
	b := newBridge("topic", pub, time.Second, discardLogger())
	b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Screen: true}})

	errc := make(chan error, 1)
	go func() {
		_, err := b.Acquire(context.Background())
		errc <- err
	}()
	cmd := pub.next(t)
	b.handle(deviceEvent{Type: evScreenDenied, ID: cmd.ID, Reason: "NotAllowedError"})

	err := <-errc
	if err == nil || err.Error() != "NotAllowedError" {
		t.Errorf("Acquire() error = %v, want NotAllowedError", err)
	}
}

func TestBridgeSingleScreenStream(t *testing.T) {
	pub := newRecordingPublisher()
	b := newBridge("topic", pub, time.Second, discardLogger())
	b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Screen: true}})

	type acquired struct {
		stream assistant.Stream
		err    error
	}
	res := make(chan acquired, 1)
	go func() {
		st, err := b.Acquire(context.Background())
		res <- acquired{st, err}
	}()
	cmd := pub.next(t)

	// The browser is still showing the permission prompt.
	if _, err := b.Acquire(context.Background()); !errors.Is(err, errScreenBusy) {
		t.Errorf("Acquire() while pending error = %v, want errScreenBusy", err)
	}

	b.handle(deviceEvent{Type: evScreenAcquired, ID: cmd.ID})
	first := <-res
	if first.err != nil {
		t.Fatalf("Acquire() error = %v", first.err)
	}

	if _, err := b.Acquire(context.Background()); !errors.Is(err, errScreenBusy) {
		t.Errorf("Acquire() while active error = %v, want errScreenBusy", err)
	}
	select {
	case <-first.stream.Done():
		t.Fatal("active stream ended by a second Acquire")
	default:
	}
	select {
	case cmd := <-pub.sent:
		t.Errorf("unexpected command %q", cmd.Command)
	default:
	}

	first.stream.Stop()
	if cmd := pub.next(t); cmd.Command != cmdScreenStop {
		t.Errorf("command = %q, want %q", cmd.Command, cmdScreenStop)
	}
	go func() {
		st, err := b.Acquire(context.Background())
		res <- acquired{st, err}
	}()
	cmd = pub.next(t)
	if cmd.Command != cmdScreenAcquire {
		t.Fatalf("command = %q, want %q", cmd.Command, cmdScreenAcquire)
	}
	b.handle(deviceEvent{Type: evScreenAcquired, ID: cmd.ID})
	if got := <-res; got.err != nil {
		t.Errorf("Acquire() after stop error = %v", got.err)
	}
}

func TestBridgeRequestTimeout(t *testing.T) {
	pub := newRecordingPublisher()
	b := newBridge("topic", pub, 20*time.Millisecond, discardLogger())
	b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Screen: true}})

	if _, err := b.Acquire(context.Background()); !errors.Is(err, errDeviceTimeout) {
		t.Errorf("Acquire() error = %v, want errDeviceTimeout", err)
	}
}

func TestBridgeClosed(t *testing.T) {
	b := newBridge("topic", newRecordingPublisher(), time.Second, discardLogger())
	b.handle(deviceEvent{Type: evCapabilities, Capabilities: &capabilities{Screen: true}})
	b.close()

	if _, err := b.Acquire(context.Background()); !errors.Is(err, assistant.ErrSessionClosed) {
		t.Errorf("Acquire() error = %v, want ErrSessionClosed", err)
	}
}

func TestRegistryOwnership(t *testing.T) {
	r := newRegistry(time.Minute, discardLogger())
	pub := newRecordingPublisher()

	ls := &liveSession{owner: "alice", rendered: map[string]template.HTML{}}
	ls.bridge = newBridge("topic", pub, time.Second, discardLogger())
	ls.session = assistant.New(assistant.Config{ID: "s1", Logger: discardLogger()})
	r.add(ls)

	if _, ok := r.get("s1", "bob"); ok {
		t.Error("get() returned a session owned by someone else")
	}
	if got, ok := r.get("s1", "alice"); !ok || got != ls {
		t.Error("get() did not return the owner's session")
	}
	if r.len() != 1 {
		t.Errorf("len() = %d, want 1", r.len())
	}

	r.remove("s1")
	if _, ok := r.get("s1", "alice"); ok {
		t.Error("get() returned a removed session")
	}
	if err := ls.session.NewChat(); !errors.Is(err, assistant.ErrSessionClosed) {
		t.Errorf("NewChat() on evicted session error = %v, want ErrSessionClosed", err)
	}
}

func TestPublishSnapshotPrunesRenderedMessages(t *testing.T) {
	m := Main{sseSrv: &sse.Server{}, logger: discardLogger()}
	ls := &liveSession{rendered: map[string]template.HTML{}}

	old := []models.Message{
		models.NewMessage(models.RoleAssistant, "**Hello**"),
		models.NewMessage(models.RoleUser, "The camera is black"),
	}
	m.publishSnapshot(ls, "topic", assistant.Snapshot{Messages: old})
	if len(ls.rendered) != 2 {
		t.Fatalf("rendered = %d entries, want 2", len(ls.rendered))
	}

	// A new chat replaces every message.
	greeting := models.NewMessage(models.RoleAssistant, "Hi again")
	m.publishSnapshot(ls, "topic", assistant.Snapshot{Messages: []models.Message{greeting}})
	if len(ls.rendered) != 1 {
		t.Fatalf("rendered = %d entries, want 1", len(ls.rendered))
	}
	if _, ok := ls.rendered[greeting.ID]; !ok {
		t.Error("current message was pruned")
	}
	for _, msg := range old {
		if _, ok := ls.rendered[msg.ID]; ok {
			t.Errorf("message %s from the previous chat is still cached", msg.ID)
		}
	}
}
