package domain

const (
	EventNamePollStarted    = "poll.started"
	EventNamePollQueued     = "poll.queued"
	EventNamePollLiveUpdate = "poll.live_update"
	EventNamePollEnded      = "poll.ended"
	EventNameChatMessage    = "chat.message"
	EventNameRosterUpdated  = "roster.updated"
	EventNameStudentKicked  = "student.kicked"
)

type EventPollStarted struct {
	Poll Poll
}

func (EventPollStarted) Name() string { return EventNamePollStarted }

type EventPollQueued struct {
	Poll Poll
}

func (EventPollQueued) Name() string { return EventNamePollQueued }

type EventPollLiveUpdate struct {
	Poll    Poll
	Results Results
}

func (EventPollLiveUpdate) Name() string { return EventNamePollLiveUpdate }

type EventPollEnded struct {
	Poll    Poll
	Results Results
	History []HistoryEntry
}

func (EventPollEnded) Name() string { return EventNamePollEnded }

type EventChatMessage struct {
	Message ChatMessage
}

func (EventChatMessage) Name() string { return EventNameChatMessage }

type EventRosterUpdated struct {
	Participants []Participant
}

func (EventRosterUpdated) Name() string { return EventNameRosterUpdated }

type EventStudentKicked struct {
	ConnID string
}

func (EventStudentKicked) Name() string { return EventNameStudentKicked }
