package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Deterministic user-facing messages. The pending-intent scanner recognizes
// earlier turns by these same shapes, so emission and matching stay in one
// place. Changing a string here changes both sides at once.
const (
	captureDeclinedReply = "Okay, I won't save that."
	reopenDeclinedReply  = "Okay, I'll leave it as is."
	queuedReply          = "I can't file that right now, so I've queued it and will process it as soon as the assistant is back online."
	noMatchReply         = "I couldn't find a completed task matching that."
)

// Markers for recognizing earlier assistant prompts. Lowercase; matched with
// strings.Contains against lowercased turn content.
const (
	capturePromptMarker    = "would you like me to capture"
	savePromptMarker       = "would you like me to save"
	singleMatchMarker      = "that looks like a match"
	multipleMatchesMarker  = "i found multiple completed tasks"
	disambigQuestionMarker = "which one should i reopen"
	reopenConfirmMarker    = "reopen it?"
)

func duplicateReply(existingPath string) string {
	return fmt.Sprintf("That looks like something I already have: %s. Would you like me to update the existing entry instead?", existingPath)
}

func relationshipReply(people []string) string {
	return fmt.Sprintf("Noted the connection between %s.", joinNames(people))
}

func capturedReply(path string) string {
	return fmt.Sprintf("Captured as %s.", path)
}

func reopenedReply(path string) string {
	return fmt.Sprintf("Reopened %s.", path)
}

func reopenConfirmPrompt(title string, path string) string {
	return fmt.Sprintf("I found a completed task that looks like a match: %q (%s). Reopen it?", title, path)
}

func reopenDisambigPrompt(options []reopenCandidate) string {
	var b strings.Builder
	b.WriteString("I found multiple completed tasks that could match:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, opt.Title, opt.Path)
	}
	b.WriteString("Which one should I reopen?")
	return b.String()
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return "them"
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

var (
	affirmativePattern = regexp.MustCompile(`^\s*(yes|yep|yeah|yup|sure|ok|okay|please do|go ahead|do it|sounds good|y)\b`)
	negativePattern    = regexp.MustCompile(`^\s*(no|nope|nah|n|don'?t|do not|cancel|skip it|leave it)\b`)

	categoryHintPattern = regexp.MustCompile(`\bas (?:a |an )?(task|note|idea|person|project)s?\b`)

	numberChoicePattern = regexp.MustCompile(`^\s*(?:option\s+|number\s+|#)?(\d+)\s*\.?\s*$`)

	numberedLinePattern = regexp.MustCompile(`(?m)^(\d+)\.\s+(.+?)\s+\(([^)]+)\)\s*$`)

	reopenIntentPattern = regexp.MustCompile(`(?i)\b(reopen|re-open|bring back|undo|restore|open .* again|not done)\b`)

	reclassifyIntentPattern = regexp.MustCompile(`(?i)\b(reclassify|move it|should (?:be|have been) (?:a|an)\b|actually (?:a|an)\b|change .* to (?:a|an)\b|file .* under)\b`)
)

func isAffirmative(text string) bool {
	return affirmativePattern.MatchString(strings.ToLower(strings.TrimSpace(text)))
}

func isNegative(text string) bool {
	return negativePattern.MatchString(strings.ToLower(strings.TrimSpace(text)))
}

// categoryHint extracts an entry-kind hint like "as a task" from free text.
func categoryHint(text string) string {
	m := categoryHintPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return ""
	}
	return m[1]
}

// numberChoice parses a bare numeric selection ("2", "option 2", "#2").
// Returns 0 when the text is not a selection.
func numberChoice(text string) int {
	m := numberChoicePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// numberedOption is one parsed line of a disambiguation prompt.
type numberedOption struct {
	Number int
	Title  string
	Path   string
}

func parseNumberedOptions(promptText string) []numberedOption {
	var out []numberedOption
	for _, m := range numberedLinePattern.FindAllStringSubmatch(promptText, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, numberedOption{Number: n, Title: strings.TrimSpace(m[2]), Path: strings.TrimSpace(m[3])})
	}
	return out
}

// quickReplies suggests tap targets for the reply text. The three shapes are
// mutually exclusive; the first match wins.
func quickReplies(replyText string) []string {
	lower := strings.ToLower(replyText)

	if strings.Contains(lower, capturePromptMarker) || strings.Contains(lower, savePromptMarker) {
		return []string{"Yes", "Yes, as a task", "Yes, as a note", "No"}
	}
	if opts := parseNumberedOptions(replyText); len(opts) > 0 {
		out := make([]string, 0, len(opts))
		for _, o := range opts {
			out = append(out, strconv.Itoa(o.Number))
		}
		return out
	}
	if strings.Contains(lower, reopenConfirmMarker) ||
		strings.Contains(lower, "instead?") ||
		strings.HasSuffix(strings.TrimSpace(lower), "?") && (strings.Contains(lower, "would you like") || strings.Contains(lower, "should i")) {
		return []string{"Yes", "No"}
	}
	return nil
}
