// Package knowledge reads the on-disk knowledge base: markdown entries with
// YAML frontmatter, organized by kind under the knowledge root (for example
// task/buy-groceries.md). The orchestration layer uses it read-only, to list
// completed tasks for reopen matching.
package knowledge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
)

type entryFrontmatter struct {
	Title       string   `yaml:"title"`
	Type        string   `yaml:"type"`
	Status      string   `yaml:"status"`
	Tags        []string `yaml:"tags"`
	CreatedAt   string   `yaml:"created_at"`
	CompletedAt string   `yaml:"completed_at"`
}

// Entry is one knowledge-base item. Path is the entry's identity, relative to
// the knowledge root without the .md extension, for example "task/buy-milk".
type Entry struct {
	Path        string
	Title       string
	Type        string
	Status      string
	Tags        []string
	CreatedAt   string
	CompletedAt string
	Body        string
}

// Store provides read access to a knowledge directory.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("knowledge root is required")
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// List returns every parseable entry under the root, sorted by path.
// Files without frontmatter are skipped rather than failing the walk.
func (s *Store) List() ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("knowledge store not initialized")
	}
	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.ToLower(filepath.Ext(d.Name())) != ".md" {
			return nil
		}
		entry, err := ParseEntryFile(s.root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Index renders a compact per-kind listing of the knowledge base, one line
// per entry, suitable for inclusion in a prompt. Empty when there are no
// entries.
func (s *Store) Index() (string, error) {
	entries, err := s.List()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	byKind := map[string][]Entry{}
	var kinds []string
	for _, e := range entries {
		kind := e.Type
		if kind == "" {
			kind = "other"
		}
		if _, ok := byKind[kind]; !ok {
			kinds = append(kinds, kind)
		}
		byKind[kind] = append(byKind[kind], e)
	}
	sort.Strings(kinds)

	var b strings.Builder
	for _, kind := range kinds {
		fmt.Fprintf(&b, "%s:\n", kind)
		for _, e := range byKind[kind] {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Path, e.Status)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// CompletedTasks returns task entries with completed status, sorted by path.
func (s *Store) CompletedTasks() ([]Entry, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Type == "task" && e.Status == StatusCompleted {
			out = append(out, e)
		}
	}
	return out, nil
}

// Get returns the entry at the given relative path, or nil if absent.
func (s *Store) Get(relPath string) (*Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("knowledge store not initialized")
	}
	relPath = strings.TrimSpace(strings.TrimSuffix(relPath, ".md"))
	if relPath == "" {
		return nil, fmt.Errorf("entry path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(relPath)+".md")
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entry, err := ParseEntryFile(s.root, full)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ParseEntryFile parses one markdown entry. The entry path is derived from
// the file location relative to root.
func ParseEntryFile(root string, path string) (Entry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}

	fmRaw, body, err := splitFrontmatter(string(content))
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", path, err)
	}

	var fm entryFrontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return Entry{}, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Entry{}, err
	}
	entryPath := strings.TrimSuffix(filepath.ToSlash(rel), ".md")

	entryType := strings.TrimSpace(strings.ToLower(fm.Type))
	if entryType == "" {
		// The directory name is the kind when frontmatter omits it.
		if i := strings.IndexByte(entryPath, '/'); i > 0 {
			entryType = entryPath[:i]
		}
	}
	status := strings.TrimSpace(strings.ToLower(fm.Status))
	if status == "" {
		status = StatusOpen
	}
	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = strings.ReplaceAll(filepath.Base(entryPath), "-", " ")
	}

	return Entry{
		Path:        entryPath,
		Title:       title,
		Type:        entryType,
		Status:      status,
		Tags:        fm.Tags,
		CreatedAt:   strings.TrimSpace(fm.CreatedAt),
		CompletedAt: strings.TrimSpace(fm.CompletedAt),
		Body:        strings.TrimSpace(body),
	}, nil
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(trimmed, "---\n") {
		return "", "", fmt.Errorf("missing frontmatter start")
	}
	rest := trimmed[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", "", fmt.Errorf("missing frontmatter end")
	}
	return rest[:idx], rest[idx+len("\n---\n"):], nil
}
