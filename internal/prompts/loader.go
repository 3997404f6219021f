package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	planTemplate      = "task/plan.md"
	implementTemplate = "task/implement.md"
	feedbackTemplate  = "task/feedback.md"
)

// Loader renders the prompt templates. Files in override directories win
// over the embedded defaults; the first directory containing a template is used.
type Loader struct {
	overrideDirs []string

	mu    sync.RWMutex
	cache map[string]compiled
}

type compiled struct {
	tmpl *template.Template
	meta *TemplateMeta
}

// TemplateMeta holds frontmatter metadata
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Source is the override file the template came from, or "embedded"
	Source string `yaml:"-"`
}

const embeddedSource = "embedded"

var funcs = template.FuncMap{
	"orNone": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "(no description provided)"
		}
		return s
	},
	"trim": strings.TrimSpace,
}

// NewLoader creates a loader with the given override directories
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{overrideDirs: overrideDirs, cache: make(map[string]compiled)}
}

// DefaultLoader creates a loader that checks, in order:
// 1. Repo-local: <checkout>/.issue-orchestrator/prompts/
// 2. User config: ~/.config/issue-orchestrator/prompts/
func DefaultLoader(checkout string) *Loader {
	home, _ := os.UserHomeDir()
	var dirs []string
	if checkout != "" {
		dirs = append(dirs, filepath.Join(checkout, ".issue-orchestrator", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "issue-orchestrator", "prompts"))
	return NewLoader(dirs...)
}

func (l *Loader) loadContent(p string) ([]byte, string, error) {
	for _, dir := range l.overrideDirs {
		file := filepath.Join(dir, filepath.FromSlash(p))
		if data, err := os.ReadFile(file); err == nil {
			return data, file, nil
		}
	}
	data, err := fs.ReadFile(embeddedFS, p)
	return data, embeddedSource, err
}

// parseFrontmatter splits content into frontmatter and body. Content without
// a closed "---" block is all body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")
	rest, ok := strings.CutPrefix(str, "---\n")
	if !ok {
		return nil, str, nil
	}
	header, body, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		return nil, str, nil
	}
	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, body, nil
}

// LoadTemplate returns the compiled template at p (e.g. "task/plan.md").
// Missing keys are execution errors.
func (l *Loader) LoadTemplate(p string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	c, ok := l.cache[p]
	l.mu.RUnlock()
	if ok {
		return c.tmpl, c.meta, nil
	}

	content, source, err := l.loadContent(p)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", p, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", p, err)
	}
	if meta == nil {
		meta = &TemplateMeta{ID: strings.TrimSuffix(path.Base(p), ".md")}
	}
	meta.Source = source

	tmpl, err := template.New(path.Base(p)).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s (%s): %w", p, source, err)
	}

	l.mu.Lock()
	l.cache[p] = compiled{tmpl: tmpl, meta: meta}
	l.mu.Unlock()
	return tmpl, meta, nil
}

// Execute renders the template at p with data
func (l *Loader) Execute(p string, data any) (string, error) {
	tmpl, meta, err := l.LoadTemplate(p)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s (%s): %w", p, meta.Source, err)
	}
	return buf.String(), nil
}

// Templates lists the metadata of every task template, resolved through the
// override directories
func (l *Loader) Templates() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "task")
	if err != nil {
		return nil, err
	}
	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".md" {
			continue
		}
		_, meta, err := l.LoadTemplate(path.Join("task", entry.Name()))
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, nil
}

// PlanData holds template variables for plan prompts.
type PlanData struct {
	Issue            domain.IssueSnapshot
	RepoName         string
	BranchName       string
	BaseBranch       string
	UserInstructions string
	PlanPath         string
	ExistingPlan     string
}

// ImplementData holds template variables for implement prompts.
type ImplementData struct {
	Issue            domain.IssueSnapshot
	RepoName         string
	BranchName       string
	BaseBranch       string
	UserInstructions string
	Plan             string
}

// FeedbackData holds template variables for feedback prompts.
type FeedbackData struct {
	IssueKey           string
	BranchName         string
	PRURL              string
	FeedbackText       string
	NewCommentsContext string
}

// PlanPrompt renders the planning prompt.
func (l *Loader) PlanPrompt(data PlanData) (string, error) {
	return l.Execute(planTemplate, data)
}

// ImplementPrompt renders the implementation prompt.
func (l *Loader) ImplementPrompt(data ImplementData) (string, error) {
	return l.Execute(implementTemplate, data)
}

// FeedbackPrompt renders the review feedback prompt.
func (l *Loader) FeedbackPrompt(data FeedbackData) (string, error) {
	return l.Execute(feedbackTemplate, data)
}

// ClearCache drops compiled templates so override files are re-read
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]compiled)
	l.mu.Unlock()
}
