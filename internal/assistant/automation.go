package assistant

import "strings"

var automationKeywords = []string{"command", "script", "fix", "install", "download"}

// ClassifyForAutomation reports whether a reply looks like it carries a runnable fix: a fenced code block
// or, in any case, one of the words command, script, fix, install or download. The result only decides
// whether the automation panel is offered; nothing is ever executed.
func ClassifyForAutomation(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range automationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
