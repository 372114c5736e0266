package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsOpen(t *testing.T) {
	open := []ItemState{StateNew, StateReopened, StateModified}
	closed := []ItemState{StateApproved, StateDenied, StateCancelled}

	for _, s := range open {
		require.True(t, s.IsOpen(), "state %s should be open", s)
	}
	for _, s := range closed {
		require.False(t, s.IsOpen(), "state %s should be closed", s)
	}
}

func TestCanTransitionUnprivileged(t *testing.T) {
	tests := []struct {
		from    ItemState
		to      ItemState
		allowed bool
	}{
		{StateNew, StateCancelled, true},
		{StateNew, StateApproved, false},
		{StateNew, StateDenied, false},
		{StateReopened, StateCancelled, true},
		{StateReopened, StateApproved, false},
		{StateCancelled, StateReopened, true},
		{StateCancelled, StateApproved, false},
		{StateApproved, StateCancelled, false},
		{StateDenied, StateReopened, false},
		{StateModified, StateApproved, false},
		{StateModified, StateCancelled, false},
	}

	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to, false)
		require.Equal(t, tt.allowed, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionPrivileged(t *testing.T) {
	tests := []struct {
		from    ItemState
		to      ItemState
		allowed bool
	}{
		{StateNew, StateApproved, true},
		{StateNew, StateDenied, true},
		{StateNew, StateCancelled, true},
		{StateReopened, StateApproved, true},
		{StateReopened, StateDenied, true},
		{StateDenied, StateApproved, true},
		{StateDenied, StateReopened, true},
		{StateDenied, StateCancelled, true},
		{StateApproved, StateCancelled, true},
		{StateApproved, StateDenied, true},
		{StateApproved, StateReopened, false},
		{StateModified, StateApproved, true},
		{StateModified, StateCancelled, true},
		{StateModified, StateDenied, true},
		{StateModified, StateReopened, true},
		{StateCancelled, StateReopened, true},
		{StateCancelled, StateApproved, false},
	}

	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to, true)
		require.Equal(t, tt.allowed, got, "%s -> %s (privileged)", tt.from, tt.to)
	}
}

func TestTransitionNeverTargetsSelfOrNew(t *testing.T) {
	all := []ItemState{StateNew, StateApproved, StateDenied, StateReopened, StateCancelled, StateModified}
	for _, from := range all {
		for _, priv := range []bool{false, true} {
			for _, to := range AllowedTransitions(from, priv) {
				require.NotEqual(t, from, to)
				require.NotEqual(t, StateNew, to)
			}
		}
	}
}

func TestVisibleActions(t *testing.T) {
	t.Run("owner sees cancel on open item", func(t *testing.T) {
		got := VisibleActions(StateNew, ItemAccess{Owner: true})
		require.Equal(t, []ItemState{StateCancelled}, got)
	})

	t.Run("owner can reopen a cancelled item", func(t *testing.T) {
		got := VisibleActions(StateCancelled, ItemAccess{Owner: true})
		require.Equal(t, []ItemState{StateReopened}, got)
	})

	t.Run("approver sees approve and deny on new item", func(t *testing.T) {
		got := VisibleActions(StateNew, ItemAccess{CanApprove: true})
		require.ElementsMatch(t, []ItemState{StateApproved, StateDenied}, got)
	})

	t.Run("approver without force cannot act on modified item", func(t *testing.T) {
		got := VisibleActions(StateModified, ItemAccess{CanApprove: true})
		require.Empty(t, got)
	})

	t.Run("force access unlocks modified item", func(t *testing.T) {
		got := VisibleActions(StateModified, ItemAccess{Force: true})
		require.ElementsMatch(t,
			[]ItemState{StateApproved, StateCancelled, StateDenied, StateReopened}, got)
	})

	t.Run("no access yields no actions", func(t *testing.T) {
		got := VisibleActions(StateNew, ItemAccess{})
		require.Empty(t, got)
	})
}

func TestRuleConditionCompare(t *testing.T) {
	require.True(t, ConditionAny.Compare(0, 99))
	require.True(t, ConditionGE.Compare(5, 5))
	require.False(t, ConditionGT.Compare(5, 5))
	require.True(t, ConditionLT.Compare(4, 5))
	require.True(t, ConditionLE.Compare(5, 5))
	require.True(t, ConditionEQ.Compare(5, 5))
	require.True(t, ConditionNE.Compare(4, 5))
	require.False(t, RuleCondition("BOGUS").Compare(1, 1))
}
