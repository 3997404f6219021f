package workspace

import (
	"os"
	"path/filepath"
)

// TranscriptName is the raw agent transcript kept in each workspace. It is
// never committed.
const TranscriptName = ".claude-agent.log"

// TranscriptPath returns the transcript location inside a workspace
func TranscriptPath(workspacePath string) string {
	return filepath.Join(workspacePath, TranscriptName)
}

// PlanPath returns the plan file for branch
func (m *Manager) PlanPath(branch string) string {
	return filepath.Join(m.cfg.General.PlansDir, Slug(branch)+".md")
}

// EnsurePlanDirectory creates the plans directory
func (m *Manager) EnsurePlanDirectory() error {
	return os.MkdirAll(m.cfg.General.PlansDir, 0755)
}

// ReadPlan returns the plan written for branch. ok is false when no plan file exists.
func (m *Manager) ReadPlan(branch string) (string, bool) {
	data, err := os.ReadFile(m.PlanPath(branch))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// WritePlan stores text as the plan for branch
func (m *Manager) WritePlan(branch, text string) error {
	if err := m.EnsurePlanDirectory(); err != nil {
		return err
	}
	return os.WriteFile(m.PlanPath(branch), []byte(text), 0644)
}
