package issues

import (
	"fmt"
	"strings"
)

// BuildPRComment creates the comment posted on an issue once its pull
// request is open.
func BuildPRComment(prNumber int, prURL, summary string, costUSD float64) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("\U0001F680 **Pull request opened: [#%d](%s)**\n\n", prNumber, prURL))
	sb.WriteString(fmt.Sprintf("**Summary:** %s\n\n", summary))
	if costUSD > 0 {
		sb.WriteString(fmt.Sprintf("**Agent cost:** $%.2f\n\n", costUSD))
	}

	sb.WriteString("---\n")
	sb.WriteString("*Implemented by Issue Orchestrator*\n")

	return sb.String()
}

// BuildFeedbackComment summarises a feedback round for the pull request
func BuildFeedbackComment(feedback string, committed bool) string {
	var sb strings.Builder
	if committed {
		sb.WriteString("✅ **Feedback addressed**\n\n")
	} else {
		sb.WriteString("ℹ️ **Feedback reviewed, no code changes were needed**\n\n")
	}
	for _, line := range strings.Split(strings.TrimSpace(feedback), "\n") {
		sb.WriteString("> " + line + "\n")
	}
	sb.WriteString("\n---\n*Issue Orchestrator*\n")
	return sb.String()
}
