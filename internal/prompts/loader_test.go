package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

func TestLoaderLoadEmbeddedWithFrontmatter(t *testing.T) {
	loader := NewLoader()

	tmpl, meta, err := loader.LoadTemplate("task/plan.md")
	if err != nil {
		t.Fatalf("failed to load plan template: %v", err)
	}
	if tmpl == nil {
		t.Fatal("template should not be nil")
	}
	if meta == nil || meta.ID != "plan" {
		t.Fatalf("expected plan metadata, got %+v", meta)
	}
}

func TestLoaderTemplates(t *testing.T) {
	metas, err := NewLoader().Templates()
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range metas {
		ids[m.ID] = true
	}
	for _, id := range []string{"plan", "implement", "feedback"} {
		if !ids[id] {
			t.Errorf("missing template %q", id)
		}
	}
}

func TestImplementPromptIncludesPlanVerbatim(t *testing.T) {
	plan := "# Plan\n\n1. Raise the timeout in `client.go`\n2. Add a regression test\n"

	out, err := NewLoader().ImplementPrompt(ImplementData{
		Issue:      domain.IssueSnapshot{Key: "ENG-42", Summary: "Fix timeout", Description: "Requests time out"},
		RepoName:   "svc",
		BranchName: "fix-timeout-ENG-42",
		BaseBranch: "main",
		Plan:       plan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, plan) {
		t.Errorf("prompt does not contain plan verbatim:\n%s", out)
	}
	if !strings.Contains(out, "ENG-42: Fix timeout") {
		t.Errorf("prompt missing issue header:\n%s", out)
	}
	if strings.Contains(out, "id: implement") {
		t.Error("frontmatter leaked into prompt")
	}
}

func TestPlanPromptRevision(t *testing.T) {
	out, err := NewLoader().PlanPrompt(PlanData{
		Issue:            domain.IssueSnapshot{Key: "ENG-42", Summary: "Fix timeout"},
		RepoName:         "svc",
		BranchName:       "b",
		BaseBranch:       "main",
		UserInstructions: "split into two PRs",
		PlanPath:         "/plans/b.md",
		ExistingPlan:     "old plan body",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/plans/b.md", "old plan body", "split into two PRs", "(no description provided)"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan prompt missing %q", want)
		}
	}
}

func TestFeedbackPrompt(t *testing.T) {
	out, err := NewLoader().FeedbackPrompt(FeedbackData{
		IssueKey:     "ENG-42",
		BranchName:   "b",
		PRURL:        "https://github.com/acme/svc/pull/7",
		FeedbackText: "rename the flag",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rename the flag") || !strings.Contains(out, "pull/7") {
		t.Errorf("unexpected feedback prompt:\n%s", out)
	}
	if strings.Contains(out, "New review comments") {
		t.Error("empty comments context should be omitted")
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()
	taskDir := filepath.Join(tmpDir, "task")
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		t.Fatal(err)
	}
	override := "Custom prompt for {{.IssueKey}}"
	if err := os.WriteFile(filepath.Join(taskDir, "feedback.md"), []byte(override), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(tmpDir)
	out, err := loader.FeedbackPrompt(FeedbackData{IssueKey: "ENG-1"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Custom prompt for ENG-1" {
		t.Errorf("got %q", out)
	}

	// Other templates still come from the embedded set
	if _, err := loader.PlanPrompt(PlanData{Issue: domain.IssueSnapshot{Key: "ENG-1"}}); err != nil {
		t.Fatal(err)
	}
}

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantMeta bool
		wantBody string
	}{
		{"none", "just body", false, "just body"},
		{"valid", "---\nid: x\n---\nbody", true, "body"},
		{"unterminated", "---\nid: x\nbody", false, "---\nid: x\nbody"},
		{"crlf", "---\r\nid: x\r\n---\r\nbody", true, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body, err := parseFrontmatter([]byte(tt.content))
			if err != nil {
				t.Fatal(err)
			}
			if (meta != nil) != tt.wantMeta {
				t.Errorf("meta = %+v, wantMeta %v", meta, tt.wantMeta)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "task"), 0755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "task", "feedback.md")
	os.WriteFile(p, []byte("v1"), 0644)

	loader := NewLoader(dir)
	if out, _ := loader.FeedbackPrompt(FeedbackData{}); out != "v1" {
		t.Fatalf("got %q", out)
	}
	os.WriteFile(p, []byte("v2"), 0644)
	if out, _ := loader.FeedbackPrompt(FeedbackData{}); out != "v1" {
		t.Fatalf("expected cached v1, got %q", out)
	}
	loader.ClearCache()
	if out, _ := loader.FeedbackPrompt(FeedbackData{}); out != "v2" {
		t.Fatalf("expected v2 after ClearCache, got %q", out)
	}
}

func TestLoaderRecordsSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "task"), 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "task", "plan.md")
	if err := os.WriteFile(file, []byte("Plan {{.Issue.Key}}"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir)
	_, meta, err := loader.LoadTemplate("task/plan.md")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Source != file || meta.ID != "plan" {
		t.Errorf("override meta = %+v", meta)
	}
	_, meta, err = loader.LoadTemplate("task/implement.md")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Source != "embedded" {
		t.Errorf("embedded meta = %+v", meta)
	}
}
