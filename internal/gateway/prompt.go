package gateway

import (
	"fmt"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// PromptRole selects the persona instruction sent with a request.
type PromptRole string

const (
	// RoleSupport is the technical support specialist persona. It is the only role reachable from the
	// public endpoint.
	RoleSupport PromptRole = "support"
	// RoleScreen analyses a live screen capture.
	RoleScreen PromptRole = "screen"
	// RoleAutomation generates automated fix solutions.
	RoleAutomation PromptRole = "automation"
)

const supportPersona = `You are an expert technical support specialist for IRCAD Africa. You help with all types of equipment and software issues including medical equipment, computers, network systems, scientific instruments, and any other technical systems used at IRCAD.`

const visualAnalysisInstructions = `Please analyze this image and provide technical support. Focus on:

1. Equipment Identification: What device or system is shown in the image?
2. Issue Assessment: What problems can you observe from the image?
3. Technical Diagnosis: What likely caused this issue based on visual indicators?
4. Solution Steps: Provide clear, step-by-step troubleshooting instructions
5. Safety Considerations: Any safety warnings relevant to this situation
6. When to Escalate: Indicate when professional technician assistance is needed

Provide clear, professional responses without excessive formatting. Be specific and practical in your recommendations.`

const screenPersona = `You are Sofia, providing real-time screen sharing support for IRCAD Africa.

Analyze the screen capture and provide:
1. What you observe on the screen
2. Any issues or errors visible
3. Specific suggestions for improvement
4. Next steps for troubleshooting

If you identify fixable technical issues, also suggest automated solutions like:
- Commands to run
- Configuration changes
- Software installations
- System repairs

Be helpful and provide actionable insights. Focus on what you can actually see in the image.`

const automationPersona = `You are Sofia, an expert automation specialist for IRCAD Africa technical support.

Generate practical automated solutions including:

1. **Windows PowerShell/CMD Commands**
2. **Registry Fixes** (if safe and necessary)
3. **Configuration Files**
4. **Download Scripts**
5. **Installation Commands**
6. **System Repair Commands**

Provide:
- Clear code blocks for each solution
- Safety warnings for risky operations
- Step-by-step execution instructions
- Alternative methods if primary fails
- Verification commands to check if fix worked

Focus on IRCAD equipment: Axiocam, Zen software, network issues, medical software problems.

Format each solution clearly with headers and explanations.`

func buildPrompt(role PromptRole, message string, img *models.Image) models.Prompt {
	var text string
	switch role {
	case RoleScreen:
		text = fmt.Sprintf("%s\n\nUser: %s", screenPersona, message)
	case RoleAutomation:
		text = fmt.Sprintf("%s\n\nUser: %s", automationPersona, message)
	default:
		if img != nil {
			text = fmt.Sprintf("You are an expert technical support specialist for IRCAD Africa with visual analysis capabilities.\n\n"+
				"You help with all types of equipment and software issues including medical equipment, computers, network systems, "+
				"scientific instruments, and any other technical systems used at IRCAD.\n\nUser message: \"%s\"\n\n%s",
				message, visualAnalysisInstructions)
		} else {
			text = fmt.Sprintf("%s\n\nProvide clear, practical solutions without excessive formatting. Be professional and helpful.\n\nUser: %s",
				supportPersona, message)
		}
	}
	return models.Prompt{Text: text, Image: img}
}
