package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// MaxProgressLog bounds the number of progress log entries kept per task
const MaxProgressLog = 500

// taskNamespace is a fixed UUID namespace so the same issue key always maps
// to the same task id
var taskNamespace = uuid.MustParse("3f9a2c1e-7b4d-5e8f-9a0b-1c2d3e4f5a6b")

// TaskID returns the deterministic task id for an issue key
func TaskID(issueKey string) string {
	return uuid.NewSHA1(taskNamespace, []byte(issueKey)).String()
}

// TaskRecord is the persisted state of one delegated issue
type TaskRecord struct {
	TaskID          string     `json:"taskId"`
	IssueKey        string     `json:"issueKey"`
	IssueSummary    string     `json:"issueSummary"`
	IssueURL        string     `json:"issueUrl"`
	RepoName        string     `json:"repoName"`
	BranchName      string     `json:"branchName"`
	WorktreePath    string     `json:"worktreePath"`
	BaseBranch      string     `json:"baseBranch"`
	Status          TaskStatus `json:"status"`
	ClaudeSessionID string     `json:"claudeSessionId,omitempty"`
	PRURL           string     `json:"prUrl,omitempty"`
	PRNumber        int        `json:"prNumber,omitempty"`
	Error           string     `json:"error,omitempty"`
	CostUSD         float64    `json:"costUsd,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ProgressLog     []string   `json:"progressLog"`
}

// NewTaskRecord creates a record in the initializing state
func NewTaskRecord(issue IssueSnapshot, repo, branch, base string) *TaskRecord {
	now := time.Now()
	return &TaskRecord{
		TaskID:       TaskID(issue.Key),
		IssueKey:     issue.Key,
		IssueSummary: issue.Summary,
		IssueURL:     issue.URL,
		RepoName:     repo,
		BranchName:   branch,
		BaseBranch:   base,
		Status:       StatusInitializing,
		CreatedAt:    now,
		UpdatedAt:    now,
		ProgressLog:  []string{},
	}
}

// AppendLog adds a formatted line and evicts the oldest entries past the cap
func (r *TaskRecord) AppendLog(line string) {
	r.ProgressLog = append(r.ProgressLog, line)
	if n := len(r.ProgressLog); n > MaxProgressLog {
		r.ProgressLog = append([]string(nil), r.ProgressLog[n-MaxProgressLog:]...)
	}
}

// LastLog returns the newest progress entry, or "".
func (r *TaskRecord) LastLog() string {
	if len(r.ProgressLog) == 0 {
		return ""
	}
	return r.ProgressLog[len(r.ProgressLog)-1]
}

// FormatLogLine renders a progress entry as "[<localTime>] <body>"
func FormatLogLine(t time.Time, body string) string {
	return fmt.Sprintf("[%s] %s", t.Local().Format("15:04:05"), body)
}

// StatusPatch is a partial update applied together with a status change.
// Nil fields are left untouched.
type StatusPatch struct {
	WorktreePath    *string
	ClaudeSessionID *string
	PRURL           *string
	PRNumber        *int
	Error           *string
	CostUSD         *float64
}

// Apply merges the non-nil fields into r
func (p StatusPatch) Apply(r *TaskRecord) {
	if p.WorktreePath != nil {
		r.WorktreePath = *p.WorktreePath
	}
	if p.ClaudeSessionID != nil {
		r.ClaudeSessionID = *p.ClaudeSessionID
	}
	if p.PRURL != nil {
		r.PRURL = *p.PRURL
	}
	if p.PRNumber != nil {
		r.PRNumber = *p.PRNumber
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.CostUSD != nil {
		r.CostUSD = *p.CostUSD
	}
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}

// NewLogLines returns the entries of cur that were not in prev. Both are
// snapshots of the same bounded log, so prev may have lost entries at its head.
func NewLogLines(prev, cur []string) []string {
	k := len(prev)
	if k > len(cur) {
		k = len(cur)
	}
	for ; k > 0; k-- {
		if slices.Equal(prev[len(prev)-k:], cur[:k]) {
			break
		}
	}
	return cur[k:]
}
