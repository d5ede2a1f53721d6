package assistant

import (
	"context"
	"errors"

	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/models"
)

var (
	// ErrUnsupported is returned when the capability needed by an operation is not available.
	ErrUnsupported = errors.New("capability not supported")
	// ErrScreenShareDenied is returned when a screen capture stream could not be acquired.
	ErrScreenShareDenied = errors.New(
		"screen sharing not supported or permission denied, please ensure you're using a modern browser and grant permission")
)

// Inferer answers a single inference request.
type Inferer interface {
	Infer(ctx context.Context, req gateway.Request) (string, error)
}

// InfererFunc adapts a function to the Inferer interface.
type InfererFunc func(ctx context.Context, req gateway.Request) (string, error)

// Infer calls f.
func (f InfererFunc) Infer(ctx context.Context, req gateway.Request) (string, error) {
	return f(ctx, req)
}

// GatewayInferer adapts an in-process gateway. The gateway turns every failure into displayable text, so
// the returned Inferer only fails when ctx is done before the call starts.
func GatewayInferer(g *gateway.Gateway) Inferer {
	return InfererFunc(func(ctx context.Context, req gateway.Request) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return g.Infer(ctx, req), nil
	})
}

// Recognizer is a speech-to-text engine capturing one utterance at a time. Start and Stop must not
// block; outcomes are reported back through Session.Deliver as TranscriptRecognized,
// RecognitionEnded or RecognitionFailed.
type Recognizer interface {
	Start() error
	Stop() error
}

// Speaker is a text-to-speech engine. Speak and Cancel must not block; playback progress is reported
// back through Session.Deliver as SpeechStarted and SpeechEnded.
type Speaker interface {
	Voices() []Voice
	Speak(u Utterance) error
	Cancel()
}

// ScreenCapturer acquires a screen capture stream. Acquire blocks until the user grants or denies
// permission.
type ScreenCapturer interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an active screen capture.
type Stream interface {
	// Capture grabs the current frame.
	Capture(ctx context.Context) (models.Image, error)
	// Done is closed when the stream ends outside of the session's control, for example when the user
	// revokes the permission.
	Done() <-chan struct{}
	Stop()
}
