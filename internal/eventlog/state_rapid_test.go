package eventlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Projections must be a pure fold: the same event sequence always rebuilds
// the same state, and validation accepts an event independent of how the
// current state was reached.
func TestProjectionDeterministic(t *testing.T) {
	taskIDs := []string{"t1", "t2", "t3"}
	types := []EventType{
		TypeTaskCreated, TypeWorkingPromptUpdated, TypeQuestionsRaised,
		TypeUserAnswered, TypeHandoffFrozen, TypeBuilderDispatched,
		TypeBuilderStatusChanged, TypeGateRequested, TypeGateApproved,
		TypeGateDenied, TypeBuildCompleted, TypeBuildFailed, TypeTaskCanceled,
	}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "events")
		state := NewState()
		var accepted []*Event
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < n; i++ {
			taskID := rapid.SampledFrom(taskIDs).Draw(t, "task")
			evType := rapid.SampledFrom(types).Draw(t, "type")

			ev := Proposed(evType, taskID, map[string]interface{}{
				"topic":      "topic-" + taskID,
				"new_status": rapid.SampledFrom([]string{"running", "paused"}).Draw(t, "status"),
				"questions":  []interface{}{"q"},
			})
			if evType == TypeBuilderDispatched {
				ev.Refs.SessionID = "s-" + taskID
			}
			if validate(state, ev) != nil {
				continue
			}
			ev.Seq = state.LastSeq + 1
			ev.Time = base.Add(time.Duration(ev.Seq) * time.Second)
			state.Apply(ev)
			accepted = append(accepted, ev)
		}

		// Replaying the accepted sequence from scratch lands on the same
		// projection.
		replayed := NewState()
		for _, ev := range accepted {
			require.NoError(t, validate(replayed, ev),
				"replay rejected event accepted the first time: %s seq %d", ev.Type, ev.Seq)
			replayed.Apply(ev)
		}

		require.Equal(t, state.LastSeq, replayed.LastSeq)
		require.Equal(t, len(state.Tasks), len(replayed.Tasks))
		for id, task := range state.Tasks {
			other := replayed.Tasks[id]
			require.NotNil(t, other, "task %s missing after replay", id)
			require.Equal(t, fmt.Sprintf("%+v", task), fmt.Sprintf("%+v", other))
		}
		for id, sess := range state.Sessions {
			other := replayed.Sessions[id]
			require.NotNil(t, other, "session %s missing after replay", id)
			require.Equal(t, fmt.Sprintf("%+v", sess), fmt.Sprintf("%+v", other))
		}
	})
}

// Seq must stay strictly increasing through any fold.
func TestSeqMonotonicUnderFold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := NewState()
		n := rapid.IntRange(1, 30).Draw(t, "events")
		last := int64(0)
		for i := 0; i < n; i++ {
			ev := Proposed(TypeTaskCreated, fmt.Sprintf("t%d", i), map[string]interface{}{
				"topic": "x",
			})
			if validate(state, ev) != nil {
				continue
			}
			ev.Seq = state.LastSeq + 1
			ev.Time = time.Now().UTC()
			state.Apply(ev)
			require.Greater(t, ev.Seq, last)
			last = ev.Seq
		}
	})
}
