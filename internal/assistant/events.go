package assistant

// Event is a capability callback delivered to a session. Events are applied in the order they are
// delivered, interleaved with operations in call order.
type Event interface {
	event()
}

// TranscriptRecognized carries the transcript of a finished utterance. It becomes the pending input and
// marks the next submission as voice-originated.
type TranscriptRecognized struct {
	Text string
}

// RecognitionEnded is reported when the recognizer stops listening, with or without a transcript.
type RecognitionEnded struct{}

// RecognitionFailed is reported when recognition could not complete.
type RecognitionFailed struct {
	Reason string
}

// SpeechStarted is reported when playback of a message begins.
type SpeechStarted struct {
	MessageID string
}

// SpeechEnded is reported when playback finishes, fails or is cancelled. An empty MessageID ends any
// playback.
type SpeechEnded struct {
	MessageID string
}

// StreamEnded is reported when the screen capture stream ends outside of the session's control.
type StreamEnded struct{}

func (TranscriptRecognized) event() {}
func (RecognitionEnded) event()     {}
func (RecognitionFailed) event()    {}
func (SpeechStarted) event()        {}
func (SpeechEnded) event()          {}
func (StreamEnded) event()          {}
