package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/internal/eventlog"
)

func TestClassifyCommand(t *testing.T) {
	cases := []struct {
		name      string
		operation string
		command   string
		ok        bool
	}{
		{"git status query", OpQuery, "git status", true},
		{"ls query", OpQuery, "ls -la src", true},
		{"find with type", OpQuery, "find . -type f", true},
		{"curl not allowlisted", OpQuery, "curl http://example.com", false},
		{"mkdir mutation", OpSimpleMutation, "mkdir -p internal/newpkg", true},
		{"touch mutation", OpSimpleMutation, `touch "notes.md"`, true},
		{"git add mutation", OpSimpleMutation, "git add internal/newpkg", true},
		{"rm blocked", OpSimpleMutation, "rm -rf build", false},
		{"sudo blocked", OpQuery, "sudo cat /etc/shadow", false},
		{"pipe blocked", OpQuery, "cat go.mod | grep require", false},
		{"chained blocked", OpSimpleMutation, "mkdir x && touch x/y", false},
		{"redirect blocked", OpQuery, "cat a > b", false},
		{"force flag blocked", OpSimpleMutation, "git checkout --force main", false},
		{"unknown operation", "interactive", "ls", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := classifyCommand(tc.operation, tc.command)
			assert.Equal(t, tc.ok, ok)
			if !tc.ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestQuickDispatchExecutesAllowedCommand(t *testing.T) {
	r := newRig(t)
	r.adapter.quickOutput = "On branch main"

	res, err := r.orch.QuickDispatch(context.Background(), "", OpQuery, "git status")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Success)
	assert.Equal(t, "On branch main", res.Output)
	assert.Equal(t, "fake", res.Builder)
	assert.Equal(t, []string{"git status"}, r.adapter.quickCmds)

	evs, err := r.log.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, eventlog.TypeQuickDispatchRequested, evs[0].Type)
	assert.Equal(t, eventlog.TypeQuickDispatchExecuted, evs[1].Type)
	assert.True(t, evs[1].PayloadBool("success"))
}

func TestQuickDispatchBlockedNeverReachesBuilder(t *testing.T) {
	r := newRig(t)

	res, err := r.orch.QuickDispatch(context.Background(), "", OpSimpleMutation, "rm -rf /")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Reason)
	assert.Empty(t, r.adapter.quickCmds)

	evs, err := r.log.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, eventlog.TypeQuickDispatchBlocked, evs[1].Type)
}

func TestQuickDispatchFailureRecorded(t *testing.T) {
	r := newRig(t)
	r.adapter.quickErr = errors.New("session exploded")

	res, err := r.orch.QuickDispatch(context.Background(), "", OpQuery, "git log")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Success)
	assert.Equal(t, "session exploded", res.Reason)

	evs, err := r.log.Events(0, 0)
	require.NoError(t, err)
	exec := evs[len(evs)-1]
	assert.Equal(t, eventlog.TypeQuickDispatchExecuted, exec.Type)
	assert.False(t, exec.PayloadBool("success"))
	assert.Equal(t, "session exploded", exec.PayloadString("error"))
}

func TestQuickDispatchRetryReturnsOriginalOutcome(t *testing.T) {
	r := newRig(t)
	r.adapter.quickOutput = "done"
	ctx := context.Background()

	first, err := r.orch.QuickDispatch(ctx, "cmd-q1", OpQuery, "git status")
	require.NoError(t, err)
	require.True(t, first.Success)
	before := r.log.LastSeq()

	again, err := r.orch.QuickDispatch(ctx, "cmd-q1", OpQuery, "git status")
	require.NoError(t, err)
	assert.True(t, again.Allowed)
	assert.True(t, again.Success)
	assert.Equal(t, before, r.log.LastSeq())
	assert.Equal(t, []string{"git status"}, r.adapter.quickCmds)
}
