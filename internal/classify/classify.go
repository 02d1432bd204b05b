// Package classify tags assistant tail text that is waiting on the user.
package classify

import (
	"regexp"
	"strings"
)

// Tag is the kind of input the agent appears to be waiting for.
type Tag string

const (
	None           Tag = ""
	YesNo          Tag = "YES_NO"
	Enter          Tag = "ENTER"
	Question       Tag = "QUESTION"
	MultipleChoice Tag = "MULTIPLE_CHOICE"
)

// PlanChoices are the four fixed options offered for an ExitPlanMode prompt.
var PlanChoices = []string{
	"Accept plan",
	"Accept & keep planning",
	"Reject plan",
	"Reject & keep planning",
}

var (
	yesNoRe = regexp.MustCompile(`(?i)\(y/n\)|\[y/n\]|confirm\?`)
	enterRe = regexp.MustCompile(`(?i)press enter|hit enter`)
)

// Classify tags the assistant's last text block. hasExitPlanMode comes from
// the transcript scan and wins over text heuristics.
func Classify(text string, hasExitPlanMode bool) Tag {
	if hasExitPlanMode {
		return MultipleChoice
	}
	if yesNoRe.MatchString(text) {
		return YesNo
	}
	if enterRe.MatchString(text) {
		return Enter
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") && len(trimmed) > 10 {
		return Question
	}
	return None
}
