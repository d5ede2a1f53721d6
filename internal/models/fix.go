package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GeneratedFix is an automation suggestion surfaced from an assistant reply. A session holds at most
// one; a newer fix replaces the previous one.
type GeneratedFix struct {
	ID                 string    `json:"id"`
	Analysis           string    `json:"analysis"`
	ProblemDescription string    `json:"problemDescription,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Scripts            []Script  `json:"scripts,omitempty"`
}

// Script is a fenced code block found in a reply. Scripts are only offered for copy or download,
// never executed.
type Script struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// NewGeneratedFix builds a fix from a reply and extracts the scripts it contains.
func NewGeneratedFix(analysis, problemDescription string) GeneratedFix {
	return GeneratedFix{
		ID:                 uuid.New().String(),
		Analysis:           analysis,
		ProblemDescription: problemDescription,
		Timestamp:          time.Now(),
		Scripts:            ExtractScripts(analysis),
	}
}

// Filename suggests a download name for the script, based on its language.
func (s Script) Filename(index int) string {
	ext := "txt"
	switch s.Language {
	case "powershell", "ps1", "pwsh":
		ext = "ps1"
	case "bat", "cmd", "batch":
		ext = "bat"
	case "bash", "sh", "shell", "zsh":
		ext = "sh"
	case "python", "py":
		ext = "py"
	case "reg":
		ext = "reg"
	case "json", "yaml", "ini", "xml":
		ext = s.Language
	}
	return "sofia-fix-" + strconv.Itoa(index+1) + "." + ext
}
