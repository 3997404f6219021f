package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// IssueSnapshot is the issue data captured at dispatch time
type IssueSnapshot struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// WorkParams carries the payload of plan and implement runs
type WorkParams struct {
	Issue              IssueSnapshot `json:"issue"`
	RepoName           string        `json:"repoName"`
	BranchName         string        `json:"branchName"`
	BaseBranch         string        `json:"baseBranch"`
	UserInstructions   string        `json:"userInstructions,omitempty"`
	UpdateExistingPlan bool          `json:"updateExistingPlan,omitempty"`
}

// FeedbackParams carries the payload of a feedback run
type FeedbackParams struct {
	IssueKey           string `json:"issueKey"`
	RepoName           string `json:"repoName"`
	FeedbackText       string `json:"feedbackText"`
	PostAsComment      bool   `json:"postAsComment"`
	NewCommentsContext string `json:"newCommentsContext,omitempty"`
}

// OrchestrationParams is the tagged union handed from a dispatcher to the orchestrator.
// Exactly one of Work or Feedback is set, matching Mode.
type OrchestrationParams struct {
	Mode     Mode
	Work     *WorkParams
	Feedback *FeedbackParams
}

// NewPlanParams builds params for a plan run
func NewPlanParams(w WorkParams) *OrchestrationParams {
	return &OrchestrationParams{Mode: ModePlan, Work: &w}
}

// NewImplementParams builds params for an implement run
func NewImplementParams(w WorkParams) *OrchestrationParams {
	return &OrchestrationParams{Mode: ModeImplement, Work: &w}
}

// NewFeedbackParams builds params for a feedback run
func NewFeedbackParams(f FeedbackParams) *OrchestrationParams {
	return &OrchestrationParams{Mode: ModeFeedback, Feedback: &f}
}

// Validate checks that the payload matches the mode
func (p *OrchestrationParams) Validate() error {
	switch p.Mode {
	case ModePlan, ModeImplement:
		if p.Work == nil {
			return fmt.Errorf("%s params missing payload", p.Mode)
		}
		if p.Work.Issue.Key == "" {
			return errors.New("issue key is required")
		}
		if p.Work.RepoName == "" || p.Work.BranchName == "" {
			return errors.New("repo and branch are required")
		}
	case ModeFeedback:
		if p.Feedback == nil {
			return errors.New("feedback params missing payload")
		}
		if p.Feedback.IssueKey == "" {
			return errors.New("issue key is required")
		}
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	return nil
}

// IssueKey returns the key the params are stored under
func (p *OrchestrationParams) IssueKey() string {
	if p.Work != nil {
		return p.Work.Issue.Key
	}
	if p.Feedback != nil {
		return p.Feedback.IssueKey
	}
	return ""
}

// MarshalJSON flattens the union into {"mode": ..., <payload fields>}
func (p OrchestrationParams) MarshalJSON() ([]byte, error) {
	var payload any
	switch p.Mode {
	case ModePlan, ModeImplement:
		payload = p.Work
	case ModeFeedback:
		payload = p.Feedback
	default:
		return nil, fmt.Errorf("unknown mode %q", p.Mode)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	mode, _ := json.Marshal(p.Mode)
	fields["mode"] = mode
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the union by its mode tag
func (p *OrchestrationParams) UnmarshalJSON(data []byte) error {
	var tag struct {
		Mode Mode `json:"mode"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Mode {
	case ModePlan, ModeImplement:
		var w WorkParams
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*p = OrchestrationParams{Mode: tag.Mode, Work: &w}
	case ModeFeedback:
		var f FeedbackParams
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*p = OrchestrationParams{Mode: tag.Mode, Feedback: &f}
	default:
		return fmt.Errorf("unknown mode %q", tag.Mode)
	}
	return nil
}
