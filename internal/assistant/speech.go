package assistant

import (
	"regexp"
	"strings"
)

// Voice is a synthesis voice offered by a Speaker.
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// Utterance is a request to read a message aloud.
type Utterance struct {
	MessageID string  `json:"messageId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Rate      float64 `json:"rate"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

const (
	speechRate   = 0.85
	speechPitch  = 1.2
	speechVolume = 0.9
)

var preferredVoices = []string{
	"Google UK English Female",
	"Microsoft Zira - English (United States)",
	"Samantha",
	"Kate",
	"Anna",
	"Google US English",
	"Alex",
}

var femaleVoiceHints = []string{"female", "woman", "zira", "samantha", "kate", "anna", "google"}

var (
	newlinesRe = regexp.MustCompile(`\n+`)
	headerRe   = regexp.MustCompile(`#{1,6}\s`)

	speechReplacer = strings.NewReplacer(
		"•", "",
		"**", "",
		"🔍", "", "🎤", "", "💬", "", "🎯", "", "👋", "", "✨", "", "🖥️", "", "🤖", "",
	)
)

// CleanSpeechText strips markdown markers, bullets and decorative emoji so the text reads naturally,
// and spells the institute's name so it is pronounced as a word.
func CleanSpeechText(text string) string {
	text = newlinesRe.ReplaceAllString(text, ". ")
	text = speechReplacer.Replace(text)
	text = headerRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "IRCAD", "Ircad")
	return strings.TrimSpace(text)
}

// SelectVoice picks the first available preferred voice, then an English voice whose name suggests a
// female voice, then any English voice. It reports false when none qualifies.
func SelectVoice(voices []Voice) (Voice, bool) {
	for _, name := range preferredVoices {
		for _, v := range voices {
			if v.Name == name {
				return v, true
			}
		}
	}

	for _, v := range voices {
		if !strings.HasPrefix(v.Lang, "en") {
			continue
		}
		name := strings.ToLower(v.Name)
		for _, hint := range femaleVoiceHints {
			if strings.Contains(name, hint) {
				return v, true
			}
		}
	}

	for _, v := range voices {
		if strings.HasPrefix(v.Lang, "en") {
			return v, true
		}
	}
	return Voice{}, false
}

func newUtterance(messageID, text string, voices []Voice) Utterance {
	u := Utterance{
		MessageID: messageID,
		Text:      CleanSpeechText(text),
		Rate:      speechRate,
		Pitch:     speechPitch,
		Volume:    speechVolume,
	}
	if v, ok := SelectVoice(voices); ok {
		u.Voice = v.Name
	}
	return u
}
