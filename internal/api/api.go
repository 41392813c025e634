// Package api is the socket surface of the server: it dispatches inbound
// client events to the services and shapes role-split outbound broadcasts.
//
// Roles are trusted from the event origin: a client declaring itself a
// teacher gets teacher payloads and may stop polls or kick participants.
// Classroom deployments sit behind a trusted frontend; there is no auth
// scheme here.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/livepoll/internal/chat"
	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/errors"
	"github.com/victornm/livepoll/internal/event"
	"github.com/victornm/livepoll/internal/gateway"
	"github.com/victornm/livepoll/internal/poll"
	"github.com/victornm/livepoll/internal/roster"
	"github.com/victornm/livepoll/internal/telemetry"
)

// Inbound events.
const (
	eventPollSync    = "poll:sync"
	eventCreatePoll  = "teacher:create_poll"
	eventStopPoll    = "teacher:stop_poll"
	eventGetHistory  = "teacher:get_history"
	eventStudentVote = "student:vote"
	eventStudentJoin = "student:join"
	eventChatSync    = "chat:sync"
	eventChatSend    = "chat:send"
	eventKickStudent = "teacher:kick_student"
)

// Outbound events.
const (
	eventPollStarted    = "poll:started"
	eventPollQueued     = "poll:queued"
	eventPollLiveUpdate = "poll:liveUpdate"
	eventPollEnded      = "poll:ended"
	eventPollState      = "poll:state"
	eventPollHistory    = "poll:history"
	eventVoteAccepted   = "vote:accepted"
	eventVoteRejected   = "vote:rejected"
	eventChatMessage    = "chat:message"
	eventChatHistory    = "chat:history"
	eventParticipants   = "participants:update"
	eventStudentRemoved = "student:removed"
	eventError          = "error"
)

type Config struct {
	Router   gin.IRouter
	EventBus *event.Bus
	Gateway  *gateway.Hub
	Poll     *poll.Service
	Chat     *chat.Service
	Roster   *roster.Registry
}

type API struct {
	gw     *gateway.Hub
	poll   *poll.Service
	chat   *chat.Service
	roster *roster.Registry

	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		gw:     c.Gateway,
		poll:   c.Poll,
		chat:   c.Chat,
		roster: c.Roster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from a separately hosted frontend.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	c.Router.GET("/ws", a.handleWS)
	c.Router.GET("/api/history", a.handleHistory)

	// Coordinator and chat broadcasts reach clients through these handlers.
	c.EventBus.Subscribe(domain.EventNamePollStarted, func(ctx context.Context, e event.Event) error {
		return a.broadcastPollStarted(ctx, e.(domain.EventPollStarted))
	})
	c.EventBus.Subscribe(domain.EventNamePollQueued, func(ctx context.Context, e event.Event) error {
		return a.broadcastPollQueued(ctx, e.(domain.EventPollQueued))
	})
	c.EventBus.Subscribe(domain.EventNamePollLiveUpdate, func(ctx context.Context, e event.Event) error {
		return a.broadcastLiveUpdate(ctx, e.(domain.EventPollLiveUpdate))
	})
	c.EventBus.Subscribe(domain.EventNamePollEnded, func(ctx context.Context, e event.Event) error {
		return a.broadcastPollEnded(ctx, e.(domain.EventPollEnded))
	})
	c.EventBus.Subscribe(domain.EventNameChatMessage, func(ctx context.Context, e event.Event) error {
		return a.broadcastChatMessage(ctx, e.(domain.EventChatMessage))
	})
	c.EventBus.Subscribe(domain.EventNameRosterUpdated, func(ctx context.Context, e event.Event) error {
		return a.broadcastRoster(ctx, e.(domain.EventRosterUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameStudentKicked, func(ctx context.Context, e event.Event) error {
		return a.broadcastKicked(ctx, e.(domain.EventStudentKicked))
	})

	return a
}

func (a *API) handleWS(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := gateway.NewClient(a.gw, conn, id)
	a.gw.Register(client)

	slog.InfoContext(c.Request.Context(), "api: client connected", "conn_id", id)

	go client.WritePump()
	client.ReadPump(c.Request.Context(), a.dispatch)

	// The read loop returned: the connection is gone.
	ctx := context.WithoutCancel(c.Request.Context())
	a.roster.Remove(ctx, id)
	a.gw.Unregister(id)
	slog.InfoContext(ctx, "api: client disconnected", "conn_id", id)
}

func (a *API) handleHistory(c *gin.Context) {
	entries, err := a.poll.History(c.Request.Context())
	if err != nil {
		e := errors.Convert(err)
		c.JSON(e.HTTPStatusCode(), gin.H{"message": e.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": historyPayload(entries)})
}

func (a *API) dispatch(ctx context.Context, c *gateway.Client, name string, data json.RawMessage) {
	switch name {
	case eventPollSync:
		a.handlePollSync(ctx, c, data)
	case eventCreatePoll:
		a.handleCreatePoll(ctx, c, data)
	case eventStopPoll:
		a.handleStopPoll(ctx, c, data)
	case eventGetHistory:
		a.sendHistory(ctx, c.ID())
	case eventStudentVote:
		a.handleVote(ctx, c, data)
	case eventStudentJoin:
		a.handleStudentJoin(ctx, c, data)
	case eventChatSync:
		a.handleChatSync(ctx, c, data)
	case eventChatSend:
		a.handleChatSend(ctx, c, data)
	case eventKickStudent:
		a.handleKick(ctx, c, data)
	default:
		a.sendError(ctx, c.ID(), "unknown event: "+name)
	}
}

func (a *API) handlePollSync(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		Role      string `json:"role"`
		StudentID string `json:"studentId"`
	}
	// Tolerate an empty payload: default to an anonymous student.
	_ = json.Unmarshal(data, &req)

	role := domain.RoleStudent
	if req.Role == domain.RoleTeacher {
		role = domain.RoleTeacher
	}

	studentID := req.StudentID
	if studentID == "" {
		studentID = c.ID()
	}

	a.gw.Join(c.ID(), role)

	st, err := a.poll.GetPollState(ctx, studentID, role)
	if err != nil {
		slog.ErrorContext(ctx, "api: sync state failed", "conn_id", c.ID(), "error", err)
		a.sendError(ctx, c.ID(), "failed to sync state")
		return
	}

	// A voted student rejoins the voted room so live updates resume after
	// a reconnect.
	if st.IsActive && st.HasVoted {
		a.gw.Join(c.ID(), gateway.VotedRoom(st.PollID))
	}

	a.gw.ToConn(ctx, c.ID(), eventPollState, statePayload(st))
	a.sendHistory(ctx, c.ID())
}

func (a *API) handleCreatePoll(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		Question           string   `json:"question"`
		Options            []string `json:"options"`
		Duration           int      `json:"duration"`
		CorrectOptionIndex *int     `json:"correctOptionIndex"`
		TeacherID          string   `json:"teacherId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		a.sendError(ctx, c.ID(), "malformed create poll request")
		return
	}

	correct := domain.NoCorrectOption
	if req.CorrectOptionIndex != nil {
		correct = *req.CorrectOptionIndex
	}

	createdBy := req.TeacherID
	if createdBy == "" {
		createdBy = "teacher-default"
	}

	_, err := a.poll.CreatePoll(ctx, poll.CreatePollRequest{
		Question:           req.Question,
		Options:            req.Options,
		DurationSeconds:    req.Duration,
		CreatedBy:          createdBy,
		CorrectOptionIndex: correct,
	})
	if err != nil {
		slog.WarnContext(ctx, "api: create poll rejected", "conn_id", c.ID(), "error", err)
		a.sendError(ctx, c.ID(), errors.Convert(err).Message)
	}
	// poll:started / poll:queued are broadcast by the coordinator's events.
}

func (a *API) handleStopPoll(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		PollID string `json:"pollId"`
	}
	_ = json.Unmarshal(data, &req)

	if req.PollID == "" {
		// Fall back to the current active poll.
		st, err := a.poll.GetPollState(ctx, c.ID(), domain.RoleTeacher)
		if err != nil {
			a.sendError(ctx, c.ID(), errors.Convert(err).Message)
			return
		}
		if !st.IsActive {
			return
		}
		req.PollID = st.PollID
	}

	if err := a.poll.EndPoll(ctx, req.PollID); err != nil {
		a.sendError(ctx, c.ID(), errors.Convert(err).Message)
	}
}

func (a *API) handleVote(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		PollID      string `json:"pollId"`
		StudentID   string `json:"studentId"`
		StudentName string `json:"studentName"`
		OptionLabel string `json:"optionLabel"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		telemetry.VotesRejected.Inc()
		a.gw.ToConn(ctx, c.ID(), eventVoteRejected, errorPayload{Message: "malformed vote request"})
		return
	}

	studentID := req.StudentID
	if studentID == "" {
		studentID = c.ID()
	}

	name := req.StudentName
	if name == "" {
		name = "Anonymous"
	}

	_, err := a.poll.SubmitVote(ctx, poll.SubmitVoteRequest{
		PollID:      req.PollID,
		StudentID:   studentID,
		StudentName: name,
		Option:      req.OptionLabel,
	})
	if err != nil {
		telemetry.VotesRejected.Inc()
		slog.WarnContext(ctx, "api: vote rejected", "conn_id", c.ID(), "poll_id", req.PollID, "error", err)
		a.gw.ToConn(ctx, c.ID(), eventVoteRejected, errorPayload{Message: errors.Convert(err).Message})
		return
	}

	a.gw.Join(c.ID(), gateway.VotedRoom(req.PollID))
	a.gw.ToConn(ctx, c.ID(), eventVoteAccepted, struct {
		PollID      string `json:"pollId"`
		OptionLabel string `json:"optionLabel"`
	}{req.PollID, req.OptionLabel})
}

func (a *API) handleStudentJoin(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		StudentName string `json:"studentName"`
	}
	_ = json.Unmarshal(data, &req)

	// Students who never open chat still belong on the participant list.
	if req.StudentName != "" {
		a.roster.Add(ctx, c.ID(), req.StudentName, domain.RoleStudent)
	}

	slog.InfoContext(ctx, "api: student joined", "conn_id", c.ID(), "name", req.StudentName)
}

func (a *API) handleChatSync(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	_ = json.Unmarshal(data, &req)

	if req.Name != "" && req.Role != "" {
		a.roster.Add(ctx, c.ID(), req.Name, req.Role)
	}

	msgs, err := a.chat.History(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "api: chat history failed", "conn_id", c.ID(), "error", err)
		a.sendError(ctx, c.ID(), "failed to load chat history")
		return
	}

	a.gw.ToConn(ctx, c.ID(), eventChatHistory, chatHistoryPayload(msgs))
	a.gw.ToConn(ctx, c.ID(), eventParticipants, participantsPayload(a.roster.List()))
}

func (a *API) handleChatSend(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		SenderName string `json:"senderName"`
		Role       string `json:"role"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		a.sendError(ctx, c.ID(), "malformed chat message")
		return
	}

	_, err := a.chat.Send(ctx, chat.SendRequest{
		SenderID:   c.ID(),
		SenderName: req.SenderName,
		Role:       req.Role,
		Text:       req.Text,
	})
	if err != nil {
		a.sendError(ctx, c.ID(), errors.Convert(err).Message)
	}
}

func (a *API) handleKick(ctx context.Context, c *gateway.Client, data json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &req)

	if req.SessionID == "" {
		return
	}

	a.roster.Kick(ctx, req.SessionID)
}

func (a *API) sendHistory(ctx context.Context, connID string) {
	entries, err := a.poll.History(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "api: load history failed", "conn_id", connID, "error", err)
		return
	}

	a.gw.ToConn(ctx, connID, eventPollHistory, struct {
		History []historyEntry `json:"history"`
	}{historyPayload(entries)})
}

func (a *API) sendError(ctx context.Context, connID, message string) {
	a.gw.ToConn(ctx, connID, eventError, errorPayload{Message: message})
}

type errorPayload struct {
	Message string `json:"message"`
}
