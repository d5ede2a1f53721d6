package assistant

import (
	"errors"
	"fmt"
	"strings"
)

// Greeting seeds every new session.
const Greeting = `Hello! I'm Sofia, your IRCAD AI Assistant! 👋

I'm here to help you with any technical issues using:

🔍 Visual Analysis - Upload photos of equipment problems
🎤 Voice Chat - Talk to me naturally
💬 Text Support - Type your questions
🎯 Quick Help - Select common issue categories
🖥️ Screen Sharing - Show me your screen for real-time help
🤖 Auto-Fix - I can generate automated solutions

I can assist with:
• Medical equipment (cameras, laparoscopes, surgical robots)
• Computer and software problems
• Network and connectivity issues
• Training and procedures
• Any other technical challenges

How can I help you today? Feel free to speak, type, share your screen, or show me a picture! ✨`

// NewChatGreeting replaces the history when a new chat is started.
const NewChatGreeting = "Hello! I'm Sofia, your IRCAD AI Assistant! How can I help you with your technical challenges today? ✨"

const (
	imagePlaceholder    = "I've uploaded an image for analysis."
	imageFallbackPrompt = "Please analyze this image and provide technical diagnosis and troubleshooting steps."
	screenPlaceholder   = "Please take a look at my shared screen."

	// ScreenAnalysisPrompt is sent with every periodic screen capture.
	ScreenAnalysisPrompt = "Please analyze this screen capture and provide technical support guidance. " +
		"Look for any error messages, unusual interface elements, or issues that might need attention. " +
		"Also suggest any automated fixes if applicable."

	screenShareStarted = "🖥️ Screen sharing started! Sofia can now see your screen and help with real-time troubleshooting. " +
		"I'll analyze what you're showing me every few seconds."
	screenShareStopped = "🖥️ Screen sharing stopped. Thanks for letting me see your screen! " +
		"If you need more help, feel free to start sharing again or ask me any questions."
	screenAnalysisFailed = "I had trouble analyzing the screen capture. Please make sure you're sharing your screen and try again."

	chatFailed = "Oops! I had a little trouble with that request. Please check your connection and try again. " +
		"If this keeps happening, let me know and I'll help you contact IT support! 😊"

	screenAnalysisPrefix = "📊 Screen Analysis: "
	fixPrefix            = "🔧 Automated Fix Generated: "

	imageAnalyzed  = "Image analyzed"
	screenAnalyzed = "Screen analyzed"
)

// ErrUnknownCategory is returned by QuickHelp for a title that is not one of QuickHelpCategories.
var ErrUnknownCategory = errors.New("unknown quick help category")

// QuickHelpCategory is a common issue shortcut.
type QuickHelpCategory struct {
	Title       string
	Description string
	Examples    []string
}

// QuickHelpCategories lists the shortcuts offered before the first question.
var QuickHelpCategories = []QuickHelpCategory{
	{
		Title:       "Equipment Issues",
		Description: "Camera, screen, hardware problems",
		Examples:    []string{"Camera not working", "Black screen issue", "Equipment damage"},
	},
	{
		Title:       "Software Problems",
		Description: "App won't open, computer is slow, software crashes",
		Examples:    []string{"Zen software crash", "Computer freezing", "App won't start"},
	},
	{
		Title:       "Network Issues",
		Description: "WiFi, connectivity, internet problems",
		Examples:    []string{"No internet", "WiFi not working", "Connection slow"},
	},
	{
		Title:       "Training & Guides",
		Description: "Equipment tutorials, user manuals, procedures",
		Examples:    []string{"How to use laparoscope", "Axiocam setup", "Training materials"},
	},
	{
		Title:       "Access & Login",
		Description: "Password issues, login problems, account access",
		Examples:    []string{"Forgot password", "Can't login", "Account locked"},
	},
	{
		Title:       "General Help",
		Description: "Any other questions or technical support",
		Examples:    []string{"Need assistance", "Technical question", "Other issues"},
	},
}

// QuickHelpMessage is the message submitted for a category.
func (c QuickHelpCategory) QuickHelpMessage() string {
	return fmt.Sprintf("I need help with %s: %s", strings.ToLower(c.Title), c.Description)
}

func quickHelpCategory(title string) (QuickHelpCategory, bool) {
	for _, c := range QuickHelpCategories {
		if strings.EqualFold(c.Title, title) {
			return c, true
		}
	}
	return QuickHelpCategory{}, false
}

func fixPrompt(problem string) string {
	return "Generate automated fix solutions for: " + problem
}
