package domain

import "time"

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// NoCorrectOption marks a poll without a designated correct answer.
const NoCorrectOption = -1

type PollStatus string

const (
	PollStatusQueued PollStatus = "QUEUED"
	PollStatusActive PollStatus = "ACTIVE"
	PollStatusEnded  PollStatus = "ENDED"
)

// Poll is one teacher-authored question with options, a duration and a
// lifecycle status. At most one poll is ACTIVE at any instant system-wide.
type Poll struct {
	// ID is the storage identity, assigned by the store on create.
	ID string
	// QuestionID is a stable identifier assigned before the poll is stored,
	// so broadcasts can reference the poll before storage identity exists.
	QuestionID string

	Question           string
	Options            []string
	CorrectOptionIndex int
	Duration           int // seconds

	Status   PollStatus
	IsActive bool

	CreatedBy  string
	CreateTime time.Time
	QueuedAt   *time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// Vote is one student's single, immutable choice for one poll.
// Uniqueness of (PollID, StudentID) is enforced by the vote ledger.
type Vote struct {
	PollID      string
	StudentID   string
	StudentName string
	Option      string
	VoteTime    time.Time
}

// OptionResult is the aggregate for one option of a poll.
// Percentages are rounded independently per option, so a poll's percentages
// may not sum to exactly 100.
type OptionResult struct {
	Count      int
	Percentage int
}

// VoterChoice pairs a voter's display name with the option they chose.
// Only ever shown to teachers while a poll is live.
type VoterChoice struct {
	Name   string
	Option string
}

// Results is a self-consistent aggregate snapshot for one poll.
type Results struct {
	PollID     string
	Options    map[string]OptionResult
	TotalVotes int
	Detailed   []VoterChoice
}

// HistoryEntry is an ended poll together with its final results.
type HistoryEntry struct {
	Poll    Poll
	Results Results
}

// Participant is an ephemeral connection-scoped identity. Participants live
// only in process memory and are rebuilt from zero after a restart.
type Participant struct {
	ConnID   string
	Name     string
	Role     string
	JoinTime time.Time
}

type ChatMessage struct {
	ID         string
	SenderID   string
	SenderName string
	Role       string
	Text       string
	CreateTime time.Time
}
