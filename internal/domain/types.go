package domain

// TaskStatus represents the lifecycle phase of a delegated task
type TaskStatus string

const (
	StatusInitializing           TaskStatus = "initializing"
	StatusWorktreeCreated        TaskStatus = "worktree_created"
	StatusDependenciesInstalled  TaskStatus = "dependencies_installed"
	StatusPlanning               TaskStatus = "planning"
	StatusPlanComplete           TaskStatus = "plan_complete"
	StatusImplementing           TaskStatus = "implementing"
	StatusImplementationComplete TaskStatus = "implementation_complete"
	StatusFeedbackImplementing   TaskStatus = "feedback_implementing"
	StatusPushing                TaskStatus = "pushing"
	StatusPRCreated              TaskStatus = "pr_created"
	StatusComplete               TaskStatus = "complete"
	StatusError                  TaskStatus = "error"
	StatusCancelled              TaskStatus = "cancelled"
)

// Mode selects which flow the orchestrator runs
type Mode string

const (
	ModePlan      Mode = "plan"
	ModeImplement Mode = "implement"
	ModeFeedback  Mode = "feedback"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModePlan, ModeImplement, ModeFeedback:
		return true
	}
	return false
}

var flowOrders = map[Mode][]TaskStatus{
	ModeImplement: {
		StatusInitializing,
		StatusWorktreeCreated,
		StatusDependenciesInstalled,
		StatusImplementing,
		StatusImplementationComplete,
		StatusPushing,
		StatusPRCreated,
		StatusComplete,
	},
	ModePlan: {
		StatusInitializing,
		StatusWorktreeCreated,
		StatusPlanning,
		StatusPlanComplete,
	},
	ModeFeedback: {
		StatusFeedbackImplementing,
		StatusPushing,
		StatusComplete,
	},
}

// FlowOrder returns the ordered statuses of a flow. The result must not be modified.
func FlowOrder(mode Mode) []TaskStatus {
	return flowOrders[mode]
}

// StatusIndex returns the position of status in the given flow, or -1.
func StatusIndex(mode Mode, status TaskStatus) int {
	for i, s := range flowOrders[mode] {
		if s == status {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether no flow continues from this status.
// plan_complete is a pause, not a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a run is still in progress
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal() && s != StatusPlanComplete
}

// IsAbsorbing reports whether s is one of the failure states reachable from anywhere.
func (s TaskStatus) IsAbsorbing() bool {
	return s == StatusError || s == StatusCancelled
}

// CanTransition reports whether moving from one status to another respects
// the flow order. Absorbing states may be entered from any non-terminal state.
func CanTransition(mode Mode, from, to TaskStatus) bool {
	if from.IsAbsorbing() || from == StatusComplete {
		return false
	}
	if to.IsAbsorbing() {
		return true
	}
	fi, ti := StatusIndex(mode, from), StatusIndex(mode, to)
	if ti < 0 {
		return false
	}
	// Entering a flow from another flow's state (e.g. plan_complete -> initializing).
	if fi < 0 {
		return ti == 0
	}
	return ti > fi
}
