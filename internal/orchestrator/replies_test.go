package orchestrator

import (
	"strings"
	"testing"
)

func TestAffirmativeNegative(t *testing.T) {
	t.Parallel()

	affirm := []string{"yes", "Yes, as a task", "yep", "sure", "ok go ahead", "y"}
	for _, s := range affirm {
		if !isAffirmative(s) {
			t.Fatalf("isAffirmative(%q)=false", s)
		}
	}
	negative := []string{"no", "No thanks", "nope", "don't", "cancel"}
	for _, s := range negative {
		if !isNegative(s) {
			t.Fatalf("isNegative(%q)=false", s)
		}
		if isAffirmative(s) {
			t.Fatalf("isAffirmative(%q)=true for a negative", s)
		}
	}
	for _, s := range []string{"maybe later", "what do you mean", "blue"} {
		if isAffirmative(s) || isNegative(s) {
			t.Fatalf("%q classified as a confirmation", s)
		}
	}
}

func TestCategoryHint(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Yes, as a task":     "task",
		"save it as an idea": "idea",
		"would you like me to capture that as a note?": "note",
		"yes":       "",
		"as always": "",
	}
	for in, want := range cases {
		if got := categoryHint(in); got != want {
			t.Fatalf("categoryHint(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestNumberChoice(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"2":        2,
		" 3 ":      3,
		"option 1": 1,
		"#2":       2,
		"number 4": 4,
		"2.":       2,
		"yes":      0,
		"２二":       0,
		"2 please": 0,
	}
	for in, want := range cases {
		if got := numberChoice(in); got != want {
			t.Fatalf("numberChoice(%q)=%d, want %d", in, got, want)
		}
	}
}

func TestParseNumberedOptionsRoundTrip(t *testing.T) {
	t.Parallel()

	prompt := reopenDisambigPrompt([]reopenCandidate{
		{Title: "write report draft", Path: "task/write-report-draft"},
		{Title: "call mom", Path: "task/call-mom"},
	})
	opts := parseNumberedOptions(prompt)
	if len(opts) != 2 {
		t.Fatalf("len(opts)=%d, want 2", len(opts))
	}
	if opts[0].Number != 1 || opts[0].Title != "write report draft" || opts[0].Path != "task/write-report-draft" {
		t.Fatalf("opts[0]=%+v", opts[0])
	}
	if opts[1].Number != 2 || opts[1].Path != "task/call-mom" {
		t.Fatalf("opts[1]=%+v", opts[1])
	}
}

func TestQuickRepliesFirstMatchWins(t *testing.T) {
	t.Parallel()

	// Capture confirmation beats the trailing question mark.
	got := quickReplies("Would you like me to capture that as a task?")
	if len(got) == 0 || got[0] != "Yes" {
		t.Fatalf("capture prompt quick replies = %v", got)
	}

	got = quickReplies(reopenDisambigPrompt([]reopenCandidate{
		{Title: "a", Path: "task/a"},
		{Title: "b", Path: "task/b"},
		{Title: "c", Path: "task/c"},
	}))
	if len(got) != 3 || got[2] != "3" {
		t.Fatalf("numbered quick replies = %v", got)
	}

	got = quickReplies(reopenConfirmPrompt("water the plants", "task/water-the-plants"))
	if len(got) != 2 || got[0] != "Yes" || got[1] != "No" {
		t.Fatalf("yes/no quick replies = %v", got)
	}

	if got = quickReplies("Done. I filed it under task/call-mom."); got != nil {
		t.Fatalf("plain reply quick replies = %v, want none", got)
	}
}

func TestReopenScoring(t *testing.T) {
	t.Parallel()

	msg := "please bring back water the plants"
	msgTokens := map[string]bool{}
	for _, tok := range tokenize(msg) {
		msgTokens[tok] = true
	}
	lower := strings.ToLower(msg)

	verbatim := scoreCandidate(lower, msgTokens, "water the plants")
	partial := scoreCandidate(lower, msgTokens, "water bill payment")
	none := scoreCandidate(lower, msgTokens, "file taxes")

	if verbatim != 5 {
		t.Fatalf("verbatim score=%d, want tokenCount+2=5", verbatim)
	}
	if partial != 1 {
		t.Fatalf("partial score=%d, want 1", partial)
	}
	if none != 0 {
		t.Fatalf("no-overlap score=%d, want 0", none)
	}
}

func TestIsReopenIntent(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"reopen the report task", "bring back water the plants", "undo that", "restore my notes task"} {
		if !isReopenIntent(s) {
			t.Fatalf("isReopenIntent(%q)=false", s)
		}
	}
	for _, s := range []string{"add a new task", "what's open today"} {
		if isReopenIntent(s) {
			t.Fatalf("isReopenIntent(%q)=true", s)
		}
	}
}
