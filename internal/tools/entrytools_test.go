package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg := NewRegistry()
	if err := RegisterEntryTools(reg, root); err != nil {
		t.Fatalf("RegisterEntryTools: %v", err)
	}
	return reg, root
}

func TestCaptureEntry(t *testing.T) {
	t.Parallel()

	reg, root := newTestRegistry(t)
	ctx := context.Background()

	res := reg.Execute(ctx, Call{
		Name: ToolCaptureEntry,
		Args: map[string]any{"text": "Buy oat milk on the way home", "hints": []any{"task"}},
	}, Meta{Channel: "cli"})
	if !res.Success {
		t.Fatalf("capture failed: %s", res.Error)
	}
	path, _ := res.Data["path"].(string)
	if path != "task/buy-oat-milk-on-the-way" {
		t.Fatalf("path=%q", path)
	}

	raw, err := os.ReadFile(filepath.Join(root, path+".md"))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "type: task") || !strings.Contains(content, "status: open") {
		t.Fatalf("frontmatter wrong:\n%s", content)
	}
	if !strings.Contains(content, "Buy oat milk on the way home") {
		t.Fatalf("body missing:\n%s", content)
	}

	// Unhinted capture defaults to a note with lower confidence.
	res = reg.Execute(ctx, Call{Name: ToolCaptureEntry, Args: map[string]any{"text": "sky was unusual today"}}, Meta{})
	if !res.Success {
		t.Fatalf("unhinted capture failed: %s", res.Error)
	}
	if kind, _ := res.Data["type"].(string); kind != "note" {
		t.Fatalf("type=%q, want note", kind)
	}
	hinted := 0.95
	if conf, _ := res.Data["confidence"].(float64); conf >= hinted {
		t.Fatalf("confidence=%v, want below hinted %v", conf, hinted)
	}
}

func TestCaptureEntry_DuplicateError(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	args := map[string]any{"text": "call mom", "hints": []any{"task"}}
	if res := reg.Execute(ctx, Call{Name: ToolCaptureEntry, Args: args}, Meta{}); !res.Success {
		t.Fatalf("first capture failed: %s", res.Error)
	}

	res := reg.Execute(ctx, Call{Name: ToolCaptureEntry, Args: args}, Meta{})
	if res.Success {
		t.Fatalf("duplicate capture succeeded")
	}
	if !IsDuplicate(res.Error) {
		t.Fatalf("error %q not classified as duplicate", res.Error)
	}
	if got := ExistingPath(res.Error); got != "task/call-mom" {
		t.Fatalf("ExistingPath=%q, want task/call-mom", got)
	}
}

func TestUpdateEntry(t *testing.T) {
	t.Parallel()

	reg, root := newTestRegistry(t)
	ctx := context.Background()

	if res := reg.Execute(ctx, Call{
		Name: ToolCaptureEntry,
		Args: map[string]any{"text": "water the plants", "hints": []any{"task"}},
	}, Meta{}); !res.Success {
		t.Fatalf("capture: %s", res.Error)
	}

	res := reg.Execute(ctx, Call{
		Name: ToolUpdateEntry,
		Args: map[string]any{"path": "task/water-the-plants", "status": "completed"},
	}, Meta{})
	if !res.Success {
		t.Fatalf("update: %s", res.Error)
	}

	raw, err := os.ReadFile(filepath.Join(root, "task", "water-the-plants.md"))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !strings.Contains(string(raw), "status: completed") || !strings.Contains(string(raw), "completed_at:") {
		t.Fatalf("completion not recorded:\n%s", raw)
	}

	res = reg.Execute(ctx, Call{Name: ToolUpdateEntry, Args: map[string]any{"path": "task/nope", "status": "open"}}, Meta{})
	if res.Success || !IsNotFound(res.Error) {
		t.Fatalf("missing entry update: success=%v error=%q", res.Success, res.Error)
	}
}

func TestMoveEntry(t *testing.T) {
	t.Parallel()

	reg, root := newTestRegistry(t)
	ctx := context.Background()

	if res := reg.Execute(ctx, Call{
		Name: ToolCaptureEntry,
		Args: map[string]any{"text": "draft the launch plan"},
	}, Meta{}); !res.Success {
		t.Fatalf("capture: %s", res.Error)
	}

	res := reg.Execute(ctx, Call{
		Name: ToolMoveEntry,
		Args: map[string]any{"path": "note/draft-the-launch-plan", "kind": "project"},
	}, Meta{})
	if !res.Success {
		t.Fatalf("move: %s", res.Error)
	}
	if got, _ := res.Data["path"].(string); got != "project/draft-the-launch-plan" {
		t.Fatalf("path=%q", got)
	}

	if _, err := os.Stat(filepath.Join(root, "note", "draft-the-launch-plan.md")); !os.IsNotExist(err) {
		t.Fatalf("old entry still present (err=%v)", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "project", "draft-the-launch-plan.md"))
	if err != nil {
		t.Fatalf("read moved entry: %v", err)
	}
	if !strings.Contains(string(raw), "type: project") {
		t.Fatalf("type not rewritten:\n%s", raw)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	res := reg.Execute(context.Background(), Call{Name: "fly_to_moon"}, Meta{})
	if res.Success {
		t.Fatalf("unknown tool reported success")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Fatalf("error=%q", res.Error)
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	defs := reg.Snapshot()
	if len(defs) != 3 {
		t.Fatalf("len(defs)=%d, want 3", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name >= defs[i].Name {
			t.Fatalf("defs not sorted: %s >= %s", defs[i-1].Name, defs[i].Name)
		}
	}
}

func TestErrorClassifiers(t *testing.T) {
	t.Parallel()

	if !IsUnavailable("provider unavailable: connection refused") {
		t.Fatalf("IsUnavailable missed transport error")
	}
	if IsUnavailable("Entry not found: task/x") {
		t.Fatalf("IsUnavailable misfired")
	}
	if ExistingPath(`Entry already exists: "task/call-mom".`) != "task/call-mom" {
		t.Fatalf("ExistingPath failed on quoted path")
	}
}
