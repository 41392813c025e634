package api

import (
	"context"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/gateway"
	"github.com/victornm/livepoll/internal/poll"
)

// Teachers and students receive different payloads for the same broadcast:
// the correct option index reaches students only when a poll ends, and
// per-voter detail never does.

type pollStarted struct {
	PollID     string   `json:"pollId"`
	QuestionID string   `json:"questionId"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	StartedAt  int64    `json:"startedAt"`
	Duration   int      `json:"duration"`

	CorrectOptionIndex *int `json:"correctOptionIndex,omitempty"`
	CanVote            bool `json:"canVote,omitempty"`
}

func (a *API) broadcastPollStarted(ctx context.Context, e domain.EventPollStarted) error {
	p := e.Poll

	base := pollStarted{
		PollID:     p.ID,
		QuestionID: p.QuestionID,
		Question:   p.Question,
		Options:    p.Options,
		Duration:   p.Duration,
	}
	if p.StartedAt != nil {
		base.StartedAt = p.StartedAt.UnixMilli()
	}

	teacher := base
	idx := p.CorrectOptionIndex
	teacher.CorrectOptionIndex = &idx

	student := base
	student.CanVote = true

	a.gw.ToRoom(ctx, gateway.RoomTeacher, eventPollStarted, teacher)
	a.gw.ToRoom(ctx, gateway.RoomStudent, eventPollStarted, student)
	return nil
}

func (a *API) broadcastPollQueued(ctx context.Context, e domain.EventPollQueued) error {
	// The queued poll has not started: no options, no timing.
	a.gw.ToAll(ctx, eventPollQueued, struct {
		PollID   string `json:"pollId"`
		Question string `json:"question"`
	}{e.Poll.ID, e.Poll.Question})
	return nil
}

type optionResult struct {
	Count      int `json:"count"`
	Percentage int `json:"percentage"`
}

type voterChoice struct {
	Name   string `json:"name"`
	Option string `json:"option"`
}

type pollResults struct {
	PollID     string                  `json:"pollId"`
	Results    map[string]optionResult `json:"results"`
	TotalVotes int                     `json:"totalVotes"`

	DetailedVotes      []voterChoice `json:"detailedVotes,omitempty"`
	CorrectOptionIndex *int          `json:"correctOptionIndex,omitempty"`
}

func resultsFor(p domain.Poll, r domain.Results, role string, final bool) pollResults {
	out := pollResults{
		PollID:     p.ID,
		Results:    make(map[string]optionResult, len(r.Options)),
		TotalVotes: r.TotalVotes,
	}
	for opt, or := range r.Options {
		out.Results[opt] = optionResult{Count: or.Count, Percentage: or.Percentage}
	}

	if role == domain.RoleTeacher {
		out.DetailedVotes = make([]voterChoice, 0, len(r.Detailed))
		for _, d := range r.Detailed {
			out.DetailedVotes = append(out.DetailedVotes, voterChoice{Name: d.Name, Option: d.Option})
		}
	}

	if role == domain.RoleTeacher || final {
		idx := p.CorrectOptionIndex
		out.CorrectOptionIndex = &idx
	}

	return out
}

func (a *API) broadcastLiveUpdate(ctx context.Context, e domain.EventPollLiveUpdate) error {
	a.gw.ToRoom(ctx, gateway.RoomTeacher, eventPollLiveUpdate, resultsFor(e.Poll, e.Results, domain.RoleTeacher, false))
	// Live updates reach only the students who already voted.
	a.gw.ToRoom(ctx, gateway.VotedRoom(e.Poll.ID), eventPollLiveUpdate, resultsFor(e.Poll, e.Results, domain.RoleStudent, false))
	return nil
}

func (a *API) broadcastPollEnded(ctx context.Context, e domain.EventPollEnded) error {
	a.gw.ToRoom(ctx, gateway.RoomTeacher, eventPollEnded, resultsFor(e.Poll, e.Results, domain.RoleTeacher, true))
	a.gw.ToRoom(ctx, gateway.RoomStudent, eventPollEnded, resultsFor(e.Poll, e.Results, domain.RoleStudent, true))

	a.gw.ToAll(ctx, eventPollHistory, struct {
		History []historyEntry `json:"history"`
	}{historyPayload(e.History)})
	return nil
}

type historyEntry struct {
	PollID             string                  `json:"pollId"`
	QuestionID         string                  `json:"questionId"`
	Question           string                  `json:"question"`
	Options            []string                `json:"options"`
	CorrectOptionIndex int                     `json:"correctOptionIndex"`
	Duration           int                     `json:"duration"`
	StartedAt          int64                   `json:"startedAt,omitempty"`
	EndedAt            int64                   `json:"endedAt,omitempty"`
	TotalVotes         int                     `json:"totalVotes"`
	Results            map[string]optionResult `json:"results"`
}

func historyPayload(entries []domain.HistoryEntry) []historyEntry {
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		h := historyEntry{
			PollID:             e.Poll.ID,
			QuestionID:         e.Poll.QuestionID,
			Question:           e.Poll.Question,
			Options:            e.Poll.Options,
			CorrectOptionIndex: e.Poll.CorrectOptionIndex,
			Duration:           e.Poll.Duration,
			TotalVotes:         e.Results.TotalVotes,
			Results:            make(map[string]optionResult, len(e.Results.Options)),
		}
		if e.Poll.StartedAt != nil {
			h.StartedAt = e.Poll.StartedAt.UnixMilli()
		}
		if e.Poll.EndedAt != nil {
			h.EndedAt = e.Poll.EndedAt.UnixMilli()
		}
		for opt, or := range e.Results.Options {
			h.Results[opt] = optionResult{Count: or.Count, Percentage: or.Percentage}
		}
		out = append(out, h)
	}

	return out
}

type pollState struct {
	IsActive bool `json:"isActive"`

	PollID        string   `json:"pollId,omitempty"`
	QuestionID    string   `json:"questionId,omitempty"`
	Question      string   `json:"question,omitempty"`
	Options       []string `json:"options,omitempty"`
	StartedAt     int64    `json:"startedAt,omitempty"`
	Duration      int      `json:"duration,omitempty"`
	RemainingTime int      `json:"remainingTime,omitempty"`

	HasVoted    *bool  `json:"hasVoted,omitempty"`
	VotedOption string `json:"votedOption,omitempty"`
	CanVote     *bool  `json:"canVote,omitempty"`

	Results       map[string]optionResult `json:"results,omitempty"`
	TotalVotes    *int                    `json:"totalVotes,omitempty"`
	DetailedVotes []voterChoice           `json:"detailedVotes,omitempty"`

	CorrectOptionIndex *int `json:"correctOptionIndex,omitempty"`
}

func statePayload(st *poll.State) pollState {
	if !st.IsActive {
		return pollState{IsActive: false}
	}

	out := pollState{
		IsActive:      true,
		PollID:        st.PollID,
		QuestionID:    st.QuestionID,
		Question:      st.Question,
		Options:       st.Options,
		StartedAt:     st.StartedAt.UnixMilli(),
		Duration:      st.Duration,
		RemainingTime: st.RemainingTime,
		HasVoted:      &st.HasVoted,
		VotedOption:   st.VotedOption,
		CanVote:       &st.CanVote,
	}

	if st.Results != nil {
		out.Results = make(map[string]optionResult, len(st.Results))
		for opt, or := range st.Results {
			out.Results[opt] = optionResult{Count: or.Count, Percentage: or.Percentage}
		}
		total := st.TotalVotes
		out.TotalVotes = &total
	}

	for _, d := range st.DetailedVotes {
		out.DetailedVotes = append(out.DetailedVotes, voterChoice{Name: d.Name, Option: d.Option})
	}

	out.CorrectOptionIndex = st.CorrectOptionIndex

	return out
}

type chatMessage struct {
	ID         string `json:"id,omitempty"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`
}

func chatMessagePayload(m domain.ChatMessage) chatMessage {
	return chatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Role:       m.Role,
		Text:       m.Text,
		CreatedAt:  m.CreateTime.UnixMilli(),
	}
}

func chatHistoryPayload(msgs []domain.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessagePayload(m))
	}
	return out
}

func (a *API) broadcastChatMessage(ctx context.Context, e domain.EventChatMessage) error {
	a.gw.ToAll(ctx, eventChatMessage, chatMessagePayload(e.Message))
	return nil
}

type participant struct {
	SessionID   string `json:"sessionId"`
	StudentName string `json:"studentName"`
	Role        string `json:"role"`
}

func participantsPayload(ps []domain.Participant) []participant {
	out := make([]participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, participant{SessionID: p.ConnID, StudentName: p.Name, Role: p.Role})
	}
	return out
}

func (a *API) broadcastRoster(ctx context.Context, e domain.EventRosterUpdated) error {
	a.gw.ToAll(ctx, eventParticipants, participantsPayload(e.Participants))
	return nil
}

func (a *API) broadcastKicked(ctx context.Context, e domain.EventStudentKicked) error {
	a.gw.ToConn(ctx, e.ConnID, eventStudentRemoved, struct {
		SessionID string `json:"sessionId"`
	}{e.ConnID})
	return nil
}
