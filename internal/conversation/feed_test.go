package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logg, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return logg
}

func TestAddAssignsMonotonicIDs(t *testing.T) {
	feed := NewFeed(nil, 0, testLogger(t))

	a := feed.Add(RoleUser, "freeze the auth task", "")
	b := feed.Add(RoleAssistant, "frozen, dispatching", "t-1")

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, "t-1", b.TaskID)
	assert.False(t, b.Timestamp.Before(a.Timestamp))
}

func TestRecentReturnsNewestTail(t *testing.T) {
	feed := NewFeed(nil, 0, testLogger(t))
	feed.Add(RoleUser, "one", "")
	feed.Add(RoleAssistant, "two", "")
	feed.Add(RoleToolResult, "three", "")

	got := feed.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "three", got[1].Text)

	all := feed.Recent(0)
	assert.Len(t, all, 3)
}

func TestCapacityEvictsOldestButKeepsIDs(t *testing.T) {
	feed := NewFeed(nil, 3, testLogger(t))
	for i := 0; i < 5; i++ {
		feed.Add(RoleSystem, "entry", "")
	}

	got := feed.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(5), got[2].ID)

	next := feed.Add(RoleUser, "after eviction", "")
	assert.Equal(t, int64(6), next.ID)
}

func TestSinceSkipsAlreadySeenEntries(t *testing.T) {
	feed := NewFeed(nil, 0, testLogger(t))
	feed.Add(RoleUser, "one", "")
	cursor := feed.Add(RoleAssistant, "two", "").ID
	feed.Add(RoleToolCall, "three", "")
	feed.Add(RoleToolResult, "four", "")

	got := feed.Since(cursor)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Text)
	assert.Equal(t, "four", got[1].Text)

	assert.Empty(t, feed.Since(got[1].ID))
}
