package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/poll"
)

func samplePoll() domain.Poll {
	started := time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)
	return domain.Poll{
		ID:                 "7",
		QuestionID:         "q-7",
		Question:           "Pick one",
		Options:            []string{"A", "B"},
		CorrectOptionIndex: 1,
		Duration:           30,
		Status:             domain.PollStatusActive,
		IsActive:           true,
		StartedAt:          &started,
	}
}

func sampleResults() domain.Results {
	return domain.Results{
		PollID: "7",
		Options: map[string]domain.OptionResult{
			"A": {Count: 2, Percentage: 67},
			"B": {Count: 1, Percentage: 33},
		},
		TotalVotes: 3,
		Detailed: []domain.VoterChoice{
			{Name: "Alice", Option: "A"},
			{Name: "Bob", Option: "B"},
		},
	}
}

func TestResultsFor(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		role  string
		final bool

		wantDetail  bool
		wantCorrect bool
	}{
		"teacher mid-poll": {role: domain.RoleTeacher, wantDetail: true, wantCorrect: true},
		"teacher at end":   {role: domain.RoleTeacher, final: true, wantDetail: true, wantCorrect: true},
		"student mid-poll": {role: domain.RoleStudent},
		"student at end":   {role: domain.RoleStudent, final: true, wantCorrect: true},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := resultsFor(samplePoll(), sampleResults(), tt.role, tt.final)

			require.Equal(t, "7", got.PollID)
			require.Equal(t, 3, got.TotalVotes)
			require.Equal(t, optionResult{Count: 2, Percentage: 67}, got.Results["A"])

			if tt.wantDetail {
				require.Len(t, got.DetailedVotes, 2)
			} else {
				require.Empty(t, got.DetailedVotes)
			}

			if tt.wantCorrect {
				require.NotNil(t, got.CorrectOptionIndex)
				require.Equal(t, 1, *got.CorrectOptionIndex)
			} else {
				require.Nil(t, got.CorrectOptionIndex)
			}

			// The hidden fields must vanish from the wire, not ship as zero values.
			b, err := json.Marshal(got)
			require.NoError(t, err)
			var keys map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(b, &keys))
			require.Equal(t, tt.wantDetail, hasKey(keys, "detailedVotes"))
			require.Equal(t, tt.wantCorrect, hasKey(keys, "correctOptionIndex"))
		})
	}
}

func TestStatePayload_Inactive(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(statePayload(&poll.State{IsActive: false}))
	require.NoError(t, err)
	require.JSONEq(t, `{"isActive":false}`, string(b))
}

func TestStatePayload_StudentWithoutVote(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)
	got := statePayload(&poll.State{
		IsActive:      true,
		PollID:        "7",
		Question:      "Pick one",
		Options:       []string{"A", "B"},
		StartedAt:     started,
		Duration:      30,
		RemainingTime: 12,
		CanVote:       true,
	})

	b, err := json.Marshal(got)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &keys))

	require.True(t, hasKey(keys, "canVote"))
	require.True(t, hasKey(keys, "hasVoted"), "an explicit false, not an omission")
	require.False(t, hasKey(keys, "results"))
	require.False(t, hasKey(keys, "totalVotes"))
	require.False(t, hasKey(keys, "correctOptionIndex"))
	require.Equal(t, int64(started.UnixMilli()), got.StartedAt)
	require.Equal(t, 12, got.RemainingTime)
}

func TestStatePayload_Teacher(t *testing.T) {
	t.Parallel()

	idx := 1
	started := time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)
	got := statePayload(&poll.State{
		IsActive:  true,
		PollID:    "7",
		Options:   []string{"A", "B"},
		StartedAt: started,
		Results: map[string]domain.OptionResult{
			"A": {Count: 1, Percentage: 100},
			"B": {Count: 0, Percentage: 0},
		},
		TotalVotes:         1,
		DetailedVotes:      []domain.VoterChoice{{Name: "Alice", Option: "A"}},
		CorrectOptionIndex: &idx,
	})

	require.Equal(t, optionResult{Count: 1, Percentage: 100}, got.Results["A"])
	require.NotNil(t, got.TotalVotes)
	require.Equal(t, 1, *got.TotalVotes)
	require.Equal(t, []voterChoice{{Name: "Alice", Option: "A"}}, got.DetailedVotes)
	require.NotNil(t, got.CorrectOptionIndex)
	require.Equal(t, 1, *got.CorrectOptionIndex)
}

func TestHistoryPayload(t *testing.T) {
	t.Parallel()

	p := samplePoll()
	ended := p.StartedAt.Add(31 * time.Second)
	p.Status = domain.PollStatusEnded
	p.IsActive = false
	p.EndedAt = &ended

	got := historyPayload([]domain.HistoryEntry{{Poll: p, Results: sampleResults()}})

	require.Len(t, got, 1)
	require.Equal(t, "7", got[0].PollID)
	// History is past tense: the correct option is plain data by now.
	require.Equal(t, 1, got[0].CorrectOptionIndex)
	require.Equal(t, 3, got[0].TotalVotes)
	require.Equal(t, optionResult{Count: 1, Percentage: 33}, got[0].Results["B"])
	require.Equal(t, p.StartedAt.UnixMilli(), got[0].StartedAt)
	require.Equal(t, ended.UnixMilli(), got[0].EndedAt)
}

func hasKey(m map[string]json.RawMessage, k string) bool {
	_, ok := m[k]
	return ok
}
