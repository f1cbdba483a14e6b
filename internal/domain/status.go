package domain

import "strings"

// TaskStatus is the task workflow state. The only legal forward edges are
// PENDING -> IN_PROGRESS -> COMPLETED -> {APPROVED, REOPENED} and
// REOPENED -> IN_PROGRESS. APPROVED is terminal.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusApproved   TaskStatus = "APPROVED"
	StatusReopened   TaskStatus = "REOPENED"
)

// ValidStatus reports whether s is one of the known workflow states.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusApproved, StatusReopened:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {StatusApproved, StatusReopened},
	StatusReopened:   {StatusInProgress},
	StatusApproved:   nil,
}

// CanTransition reports whether the edge from -> to appears in the fixed
// transition table.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition rejects any edge not in the transition table with a
// Validation error naming source and target state.
func ValidateTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return Validationf("illegal task transition from %s to %s", from, to)
	}
	return nil
}

// AuthorizeTransition applies the actor gating for a target state. It does
// not consult the transition table; callers check that separately.
//   - IN_PROGRESS: task owner or chat ADMIN/OWNER.
//   - COMPLETED: task owner only.
//   - APPROVED / REOPENED: chat ADMIN/OWNER only (matrix-checked).
func AuthorizeTransition(to TaskStatus, isTaskOwner bool, role Role) error {
	switch to {
	case StatusInProgress:
		if !isTaskOwner && !role.HasAuthority() {
			return Forbiddenf("only the task owner or a chat admin may start a task")
		}
	case StatusCompleted:
		if !isTaskOwner {
			return Forbiddenf("only the task owner may complete a task")
		}
	case StatusApproved:
		return Authorize(role, ActionApproveTask)
	case StatusReopened:
		return Authorize(role, ActionReopenTask)
	}
	return nil
}

// CheckMandatorySteps rejects completion while any mandatory step is still
// open, listing the missing step contents.
func CheckMandatorySteps(steps []TaskStep) error {
	var missing []string
	for _, step := range steps {
		if step.IsMandatory && step.CompletedAt == nil {
			missing = append(missing, step.Content)
		}
	}
	if len(missing) > 0 {
		return Validationf("mandatory steps incomplete: %s", strings.Join(missing, "; "))
	}
	return nil
}
