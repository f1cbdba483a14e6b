package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allStatuses = []TaskStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusApproved,
	StatusReopened,
}

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	legal := map[TaskStatus]map[TaskStatus]bool{
		StatusPending:    {StatusInProgress: true},
		StatusInProgress: {StatusCompleted: true},
		StatusCompleted:  {StatusApproved: true, StatusReopened: true},
		StatusReopened:   {StatusInProgress: true},
		StatusApproved:   {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			require.Equal(t, legal[from][to], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApprovedOnlyFromCompleted(t *testing.T) {
	t.Parallel()

	for _, from := range allStatuses {
		require.Equal(t, from == StatusCompleted, CanTransition(from, StatusApproved), from)
	}
}

func TestApprovedIsTerminal(t *testing.T) {
	t.Parallel()

	for _, to := range allStatuses {
		require.False(t, CanTransition(StatusApproved, to), to)
	}
}

func TestValidateTransitionError(t *testing.T) {
	t.Parallel()

	err := ValidateTransition(StatusPending, StatusApproved)
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), "PENDING")
	require.Contains(t, err.Error(), "APPROVED")

	require.NoError(t, ValidateTransition(StatusCompleted, StatusReopened))
}

func TestAuthorizeTransitionInProgress(t *testing.T) {
	t.Parallel()

	require.NoError(t, AuthorizeTransition(StatusInProgress, true, RoleMember))
	require.NoError(t, AuthorizeTransition(StatusInProgress, false, RoleAdmin))
	require.NoError(t, AuthorizeTransition(StatusInProgress, false, RoleOwner))

	err := AuthorizeTransition(StatusInProgress, false, RoleMember)
	require.True(t, IsForbidden(err))
}

func TestAuthorizeTransitionCompleted(t *testing.T) {
	t.Parallel()

	require.NoError(t, AuthorizeTransition(StatusCompleted, true, RoleMember))

	// chat authority does not substitute for task ownership
	err := AuthorizeTransition(StatusCompleted, false, RoleOwner)
	require.True(t, IsForbidden(err))
}

func TestAuthorizeTransitionApproveReopen(t *testing.T) {
	t.Parallel()

	for _, to := range []TaskStatus{StatusApproved, StatusReopened} {
		require.NoError(t, AuthorizeTransition(to, false, RoleAdmin))
		require.NoError(t, AuthorizeTransition(to, false, RoleOwner))

		// the task owner being a plain MEMBER may not approve their own work
		err := AuthorizeTransition(to, true, RoleMember)
		require.True(t, IsForbidden(err), to)
	}
}

func TestCheckMandatorySteps(t *testing.T) {
	t.Parallel()

	now := time.Now()
	steps := []TaskStep{
		{Content: "draft report", IsMandatory: true, CompletedAt: &now},
		{Content: "optional polish", IsMandatory: false},
	}
	require.NoError(t, CheckMandatorySteps(steps))

	steps = append(steps, TaskStep{Content: "collect signatures", IsMandatory: true})
	err := CheckMandatorySteps(steps)
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), "collect signatures")
	require.NotContains(t, err.Error(), "optional polish")
}

func TestValidStatus(t *testing.T) {
	t.Parallel()

	for _, s := range allStatuses {
		require.True(t, ValidStatus(s))
	}
	require.False(t, ValidStatus(TaskStatus("DONE")))
}
