package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Entry toolset: capture, update and move knowledge-base entries stored as
// markdown files with YAML frontmatter under a root directory. These are the
// three tool names the orchestration layer knows; everything else registered
// alongside them is opaque to it.

const (
	defaultEntryKind = "note"
	maxSlugWords     = 6
)

var entryKinds = map[string]bool{
	"task":    true,
	"note":    true,
	"idea":    true,
	"person":  true,
	"project": true,
}

var slugCleanPattern = regexp.MustCompile(`[^a-z0-9]+`)

type entryToolset struct {
	root string
	now  func() time.Time
}

// RegisterEntryTools registers the capture, update and move tools backed by
// the markdown entry store at root.
func RegisterEntryTools(reg *Registry, root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return fmt.Errorf("entry root is required")
	}
	ts := &entryToolset{root: root, now: time.Now}

	captureSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The raw text to classify and file."},
			"hints": {"type": "array", "items": {"type": "string"}, "description": "Optional kind hints: task, note, idea, person, project."}
		},
		"required": ["text"]
	}`)
	updateSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Entry path, e.g. task/buy-milk."},
			"status": {"type": "string", "description": "New status: open or completed."},
			"append": {"type": "string", "description": "Text to append to the entry body."}
		},
		"required": ["path"]
	}`)
	moveSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Current entry path."},
			"kind": {"type": "string", "description": "Target kind: task, note, idea, person, project."}
		},
		"required": ["path", "kind"]
	}`)

	if err := reg.Register(Def{
		Name:        ToolCaptureEntry,
		Description: "Classify a piece of text and file it as a new knowledge-base entry.",
		InputSchema: captureSchema,
	}, ts.capture); err != nil {
		return err
	}
	if err := reg.Register(Def{
		Name:        ToolUpdateEntry,
		Description: "Update an existing entry's status or append to its body.",
		InputSchema: updateSchema,
	}, ts.update); err != nil {
		return err
	}
	return reg.Register(Def{
		Name:        ToolMoveEntry,
		Description: "Reclassify an existing entry under a different kind.",
		InputSchema: moveSchema,
	}, ts.move)
}

func (ts *entryToolset) capture(ctx context.Context, call Call, meta Meta) Result {
	text := strings.TrimSpace(argString(call.Args, "text"))
	if text == "" {
		return Result{Success: false, Error: "text is required"}
	}

	kind := defaultEntryKind
	for _, h := range argStrings(call.Args, "hints") {
		h = strings.ToLower(strings.TrimSpace(h))
		if entryKinds[h] {
			kind = h
			break
		}
	}

	slug := slugify(text)
	relPath := kind + "/" + slug
	fullPath := filepath.Join(ts.root, kind, slug+".md")

	if _, err := os.Stat(fullPath); err == nil {
		return Result{Success: false, Error: "Entry already exists: " + relPath}
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Result{Success: false, Error: "create entry directory: " + err.Error()}
	}

	title := entryTitle(text)
	content := fmt.Sprintf("---\ntitle: %q\ntype: %s\nstatus: open\ncreated_at: %q\n---\n\n%s\n",
		title, kind, ts.now().UTC().Format(time.RFC3339), text)
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return Result{Success: false, Error: "write entry: " + err.Error()}
	}

	return Result{Success: true, Data: map[string]any{
		"path":       relPath,
		"type":       kind,
		"title":      title,
		"confidence": captureConfidence(call.Args),
	}}
}

func (ts *entryToolset) update(ctx context.Context, call Call, meta Meta) Result {
	relPath := cleanEntryPath(argString(call.Args, "path"))
	if relPath == "" {
		return Result{Success: false, Error: "path is required"}
	}
	fullPath := filepath.Join(ts.root, filepath.FromSlash(relPath)+".md")

	raw, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Success: false, Error: "Entry not found: " + relPath}
		}
		return Result{Success: false, Error: "read entry: " + err.Error()}
	}
	content := string(raw)

	if status := strings.ToLower(strings.TrimSpace(argString(call.Args, "status"))); status != "" {
		if status != "open" && status != "completed" {
			return Result{Success: false, Error: "invalid status: " + status}
		}
		content = setFrontmatterField(content, "status", status)
		if status == "completed" {
			content = setFrontmatterField(content, "completed_at", fmt.Sprintf("%q", ts.now().UTC().Format(time.RFC3339)))
		}
	}
	if extra := strings.TrimSpace(argString(call.Args, "append")); extra != "" {
		content = strings.TrimRight(content, "\n") + "\n\n" + extra + "\n"
	}

	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return Result{Success: false, Error: "write entry: " + err.Error()}
	}
	return Result{Success: true, Data: map[string]any{"path": relPath}}
}

func (ts *entryToolset) move(ctx context.Context, call Call, meta Meta) Result {
	relPath := cleanEntryPath(argString(call.Args, "path"))
	kind := strings.ToLower(strings.TrimSpace(argString(call.Args, "kind")))
	if relPath == "" || kind == "" {
		return Result{Success: false, Error: "path and kind are required"}
	}
	if !entryKinds[kind] {
		return Result{Success: false, Error: "invalid kind: " + kind}
	}

	oldPath := filepath.Join(ts.root, filepath.FromSlash(relPath)+".md")
	if _, err := os.Stat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return Result{Success: false, Error: "Entry not found: " + relPath}
		}
		return Result{Success: false, Error: "stat entry: " + err.Error()}
	}

	base := relPath
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		base = relPath[i+1:]
	}
	newRel := kind + "/" + base
	newPath := filepath.Join(ts.root, kind, base+".md")
	if _, err := os.Stat(newPath); err == nil {
		return Result{Success: false, Error: "Entry already exists: " + newRel}
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return Result{Success: false, Error: "create entry directory: " + err.Error()}
	}

	raw, err := os.ReadFile(oldPath)
	if err != nil {
		return Result{Success: false, Error: "read entry: " + err.Error()}
	}
	content := setFrontmatterField(string(raw), "type", kind)
	if err := os.WriteFile(newPath, []byte(content), 0o644); err != nil {
		return Result{Success: false, Error: "write entry: " + err.Error()}
	}
	if err := os.Remove(oldPath); err != nil {
		return Result{Success: false, Error: "remove old entry: " + err.Error()}
	}
	return Result{Success: true, Data: map[string]any{"path": newRel, "previous_path": relPath}}
}

func cleanEntryPath(p string) string {
	p = strings.TrimSpace(strings.TrimSuffix(p, ".md"))
	p = strings.Trim(p, "/")
	if p == "" || strings.Contains(p, "..") {
		return ""
	}
	return p
}

func slugify(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) > maxSlugWords {
		words = words[:maxSlugWords]
	}
	slug := slugCleanPattern.ReplaceAllString(strings.Join(words, "-"), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "entry"
	}
	return slug
}

func entryTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	const maxTitle = 80
	if len(line) > maxTitle {
		line = strings.TrimSpace(line[:maxTitle])
	}
	return line
}

func captureConfidence(args map[string]any) float64 {
	// Hinted captures are user-directed; unhinted ones fall back to the
	// default kind and carry lower confidence.
	if len(argStrings(args, "hints")) > 0 {
		return 0.95
	}
	return 0.6
}

// setFrontmatterField updates or inserts one scalar field in the YAML
// frontmatter block.
func setFrontmatterField(content string, key string, value string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return content
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return content
	}
	fm := rest[:idx]
	body := rest[idx+len("\n---\n"):]

	lines := strings.Split(fm, "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, key+":") {
			lines[i] = key + ": " + value
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, key+": "+value)
	}
	return "---\n" + strings.Join(lines, "\n") + "\n---\n" + body
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]any, key string) []string {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
