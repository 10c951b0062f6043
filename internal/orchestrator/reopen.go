package orchestrator

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/loomnote/loomnote-agent/internal/tools"
)

type reopenCandidate struct {
	Title string
	Path  string
	Score int
}

func isReopenIntent(msg string) bool {
	return reopenIntentPattern.MatchString(msg)
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// scoreCandidate measures how well a completed entry matches the message.
// Base score is the count of entry-title tokens present in the message. A
// verbatim title substring boosts to tokenCount+2 so exact naming always
// beats partial overlap.
func scoreCandidate(msgLower string, msgTokens map[string]bool, title string) int {
	titleTokens := tokenize(title)
	if len(titleTokens) == 0 {
		return 0
	}
	overlap := 0
	for _, tok := range titleTokens {
		if msgTokens[tok] {
			overlap++
		}
	}
	score := overlap
	if strings.Contains(msgLower, strings.ToLower(strings.TrimSpace(title))) {
		if boost := len(titleTokens) + 2; boost > score {
			score = boost
		}
	}
	return score
}

// reopenFallback searches completed tasks for a match against the message.
// A strict best scorer asks for confirmation; tied best scorers produce a
// numbered list of up to three; no scorer falls through to the model reply.
func (o *Orchestrator) reopenFallback(ctx context.Context, msg string, meta tools.Meta) (turnOutcome, bool) {
	if o.kb == nil {
		return turnOutcome{}, false
	}
	completed, err := o.kb.CompletedTasks()
	if err != nil {
		o.logger.Warn("list completed tasks", "error", err)
		return turnOutcome{}, false
	}
	if len(completed) == 0 {
		return turnOutcome{}, false
	}

	msgLower := strings.ToLower(msg)
	msgTokens := make(map[string]bool)
	for _, tok := range tokenize(msg) {
		msgTokens[tok] = true
	}

	var candidates []reopenCandidate
	for _, e := range completed {
		score := scoreCandidate(msgLower, msgTokens, e.Title)
		if score > 0 {
			candidates = append(candidates, reopenCandidate{Title: e.Title, Path: e.Path, Score: score})
		}
	}
	if len(candidates) == 0 {
		return turnOutcome{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	best := candidates[0]
	if len(candidates) == 1 || best.Score > candidates[1].Score {
		return turnOutcome{reply: reopenConfirmPrompt(best.Title, best.Path)}, true
	}

	tied := []reopenCandidate{best}
	for _, c := range candidates[1:] {
		if c.Score != best.Score || len(tied) == 3 {
			break
		}
		tied = append(tied, c)
	}
	return turnOutcome{reply: reopenDisambigPrompt(tied)}, true
}
