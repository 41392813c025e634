package poll

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/errors"
	"github.com/victornm/livepoll/internal/event"
	"github.com/victornm/livepoll/internal/telemetry"
)

const (
	// graceWindow tolerates late votes past the nominal duration (clock/network skew).
	graceWindow = 2 * time.Second
	// endBuffer delays server-side closure so slow clients finish rendering the countdown.
	endBuffer = time.Second
	// settleDelay is the result phase between a poll ending and the queue draining.
	settleDelay = 3 * time.Second

	historyLimit = 20
)

// Store is the durable record of polls, keyed by storage identity.
// FindActive and FindOldestQueued return nil without error when no poll matches.
//
// MarkEnded must apply ACTIVE→ENDED atomically and report whether this call
// performed the transition; racing enders must see true exactly once.
type Store interface {
	Create(ctx context.Context, p *domain.Poll) error
	FindActive(ctx context.Context) (*domain.Poll, error)
	FindOldestQueued(ctx context.Context) (*domain.Poll, error)
	FindByID(ctx context.Context, id string) (*domain.Poll, error)
	MarkEnded(ctx context.Context, id string, endedAt time.Time) (bool, error)
	MarkActive(ctx context.Context, id string, startedAt time.Time) error
	FindEnded(ctx context.Context, limit int) ([]domain.Poll, error)
}

// Ledger is the append-only record of votes. Create must fail with
// errors.CodeAlreadyExists when a vote for (PollID, StudentID) already
// exists; that constraint is the race-safety mechanism for double voting.
type Ledger interface {
	Create(ctx context.Context, v *domain.Vote) error
	ExistsFor(ctx context.Context, pollID, studentID string) (bool, error)
	FindAllFor(ctx context.Context, pollID string) ([]domain.Vote, error)
	FindOneFor(ctx context.Context, pollID, studentID string) (*domain.Vote, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store
	Ledger   Ledger

	// Now, SettleDelay and EndBuffer override the clock and the timing
	// constants, for tests. Zero values select the defaults.
	Now         func() time.Time
	SettleDelay time.Duration
	EndBuffer   time.Duration
}

// Service is the poll lifecycle coordinator. It owns the single-active-poll
// invariant, the countdown authority and the queue-draining policy, and
// publishes every broadcast as a domain event on the bus.
type Service struct {
	eb     *event.Bus
	store  Store
	ledger Ledger

	now    func() time.Time
	settle time.Duration
	buffer time.Duration

	mu            sync.Mutex
	countdown     *time.Timer // at most one armed countdown; arming replaces it
	countdownPoll string      // the poll the armed countdown belongs to
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		store:  c.Store,
		ledger: c.Ledger,
		now:    c.Now,
		settle: c.SettleDelay,
		buffer: c.EndBuffer,
	}

	if s.now == nil {
		s.now = time.Now
	}
	if s.settle == 0 {
		s.settle = settleDelay
	}
	if s.buffer == 0 {
		s.buffer = endBuffer
	}

	return s
}

type CreatePollRequest struct {
	Question string
	Options  []string
	// DurationSeconds is the voting window, in whole seconds.
	DurationSeconds int
	CreatedBy       string
	// CorrectOptionIndex is domain.NoCorrectOption when the question has no
	// designated answer.
	CorrectOptionIndex int
}

// CreatePoll persists a new poll. It starts immediately when no poll is
// active, otherwise it is queued behind the active one (FIFO by creation time).
func (s *Service) CreatePoll(ctx context.Context, req CreatePollRequest) (*domain.Poll, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	if s.eb == nil {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("broadcast path not configured"))
	}

	qid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate question ID: %w", err)
	}

	active, err := s.store.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("find active poll: %w", err)
	}

	now := s.now()
	p := &domain.Poll{
		QuestionID:         qid.String(),
		Question:           req.Question,
		Options:            req.Options,
		CorrectOptionIndex: req.CorrectOptionIndex,
		Duration:           req.DurationSeconds,
		CreatedBy:          req.CreatedBy,
		CreateTime:         now,
	}

	if active != nil {
		p.Status = domain.PollStatusQueued
		p.QueuedAt = &now
	} else {
		p.Status = domain.PollStatusActive
		p.IsActive = true
		p.StartedAt = &now
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create poll: %w", err)
	}

	if p.Status == domain.PollStatusActive {
		s.armCountdown(p.ID, p.Duration)
		s.eb.Publish(ctx, domain.EventPollStarted{Poll: *p})
		telemetry.PollsStarted.Inc()
	} else {
		s.eb.Publish(ctx, domain.EventPollQueued{Poll: *p})
	}

	return p, nil
}

func validateCreate(req CreatePollRequest) error {
	if strings.TrimSpace(req.Question) == "" {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question must not be empty"))
	}

	if len(req.Options) < 2 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("at least 2 options are required"))
	}

	seen := make(map[string]struct{}, len(req.Options))
	for _, opt := range req.Options {
		if strings.TrimSpace(opt) == "" {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("options must not be empty"))
		}
		if _, ok := seen[opt]; ok {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("duplicated option: %q", opt))
		}
		seen[opt] = struct{}{}
	}

	if req.DurationSeconds <= 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("duration must be positive, got %d", req.DurationSeconds))
	}

	if req.CorrectOptionIndex != domain.NoCorrectOption &&
		(req.CorrectOptionIndex < 0 || req.CorrectOptionIndex >= len(req.Options)) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("correct option index out of range: %d", req.CorrectOptionIndex))
	}

	return nil
}

type SubmitVoteRequest struct {
	PollID      string
	StudentID   string
	StudentName string
	Option      string
}

// SubmitVote records one student's vote on the active poll and publishes a
// live result update. The ledger's uniqueness constraint is the authoritative
// guard against double voting; the ExistsFor pre-check is only a fast path.
func (s *Service) SubmitVote(ctx context.Context, req SubmitVoteRequest) (*domain.Results, error) {
	p, err := s.store.FindByID(ctx, req.PollID)
	if err != nil {
		return nil, fmt.Errorf("find poll: %w", err)
	}
	if p == nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("poll not found: id=%s", req.PollID))
	}

	if p.Status != domain.PollStatusActive || p.StartedAt == nil {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("poll is closed"))
	}

	elapsed := s.now().Sub(*p.StartedAt)
	if elapsed > time.Duration(p.Duration)*time.Second+graceWindow {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("voting time has expired"))
	}

	voted, err := s.ledger.ExistsFor(ctx, p.ID, req.StudentID)
	if err != nil {
		return nil, fmt.Errorf("check existing vote: %w", err)
	}
	if voted {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("you have already voted"))
	}

	v := &domain.Vote{
		PollID:      p.ID,
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		Option:      req.Option,
		VoteTime:    s.now(),
	}
	if err := s.ledger.Create(ctx, v); err != nil {
		// Two votes from the same student race at the ledger, not here.
		if errors.Convert(err).Code == errors.CodeAlreadyExists {
			return nil, errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("you have already voted"),
				errors.WithCause(err))
		}
		return nil, fmt.Errorf("record vote: %w", err)
	}

	results, err := s.aggregate(ctx, p)
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventPollLiveUpdate{Poll: *p, Results: *results})
	telemetry.VotesAccepted.Inc()

	return results, nil
}

// State is the reconnect-recovery snapshot of the active poll, already
// filtered for the requesting role. Results are present only for teachers
// and for students who voted; DetailedVotes and CorrectOptionIndex only for
// teachers.
type State struct {
	IsActive bool

	PollID        string
	QuestionID    string
	Question      string
	Options       []string
	StartedAt     time.Time
	Duration      int
	RemainingTime int

	HasVoted    bool
	VotedOption string
	CanVote     bool

	Results       map[string]domain.OptionResult
	TotalVotes    int
	DetailedVotes []domain.VoterChoice

	CorrectOptionIndex *int
}

// GetPollState reads the current poll state for one participant. When the
// active poll's remaining time has reached zero the read ends that poll
// before returning, covering countdowns that never fired (process restart,
// clock drift, the window before the callback runs).
func (s *Service) GetPollState(ctx context.Context, studentID, role string) (*State, error) {
	p, err := s.store.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("find active poll: %w", err)
	}
	if p == nil {
		return &State{IsActive: false}, nil
	}

	remaining := computeRemaining(p, s.now())
	if remaining <= 0 {
		if err := s.EndPoll(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("reap expired poll: %w", err)
		}
		return &State{IsActive: false}, nil
	}

	hasVoted, err := s.ledger.ExistsFor(ctx, p.ID, studentID)
	if err != nil {
		return nil, fmt.Errorf("check existing vote: %w", err)
	}

	votedOption := ""
	if hasVoted {
		v, err := s.ledger.FindOneFor(ctx, p.ID, studentID)
		if err != nil {
			return nil, fmt.Errorf("find vote: %w", err)
		}
		if v != nil {
			votedOption = v.Option
		}
	}

	st := &State{
		IsActive:      true,
		PollID:        p.ID,
		QuestionID:    p.QuestionID,
		Question:      p.Question,
		Options:       p.Options,
		StartedAt:     *p.StartedAt,
		Duration:      p.Duration,
		RemainingTime: remaining,
		HasVoted:      hasVoted,
		VotedOption:   votedOption,
		CanVote:       !hasVoted,
	}

	if role == domain.RoleTeacher || hasVoted {
		r, err := s.aggregate(ctx, p)
		if err != nil {
			return nil, err
		}
		st.Results = r.Options
		st.TotalVotes = r.TotalVotes

		if role == domain.RoleTeacher {
			st.DetailedVotes = r.Detailed
			idx := p.CorrectOptionIndex
			st.CorrectOptionIndex = &idx
		}
	}

	return st, nil
}

// EndPoll marks the poll ended, cancels its pending countdown, broadcasts
// final results and history, and schedules the queue drain. The storage
// transition decides the winner among racing enders (explicit stop racing the
// countdown, or a duplicate stop): losers re-broadcast but do not drain, and
// a stale end of an old poll never touches the current poll's countdown.
func (s *Service) EndPoll(ctx context.Context, pollID string) error {
	p, err := s.store.FindByID(ctx, pollID)
	if err != nil {
		return fmt.Errorf("find poll: %w", err)
	}
	if p == nil {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("poll not found: id=%s", pollID))
	}

	endedAt := s.now()
	transitioned, err := s.store.MarkEnded(ctx, pollID, endedAt)
	if err != nil {
		return fmt.Errorf("mark poll ended: %w", err)
	}

	if !transitioned && p.Status == domain.PollStatusQueued {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("poll has not started"))
	}

	s.mu.Lock()
	if s.countdown != nil && s.countdownPoll == pollID {
		s.countdown.Stop()
		s.countdown = nil
		s.countdownPoll = ""
	}
	s.mu.Unlock()

	p.Status = domain.PollStatusEnded
	p.IsActive = false
	if p.EndedAt == nil {
		p.EndedAt = &endedAt
	}

	results, err := s.aggregate(ctx, p)
	if err != nil {
		return err
	}

	history, err := s.History(ctx)
	if err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventPollEnded{Poll: *p, Results: *results, History: history})
	if transitioned {
		telemetry.PollsEnded.Inc()
		time.AfterFunc(s.settle, s.drainQueue)
	}

	return nil
}

// History returns ended polls with their final result breakdowns, most
// recent first, capped at historyLimit.
func (s *Service) History(ctx context.Context) ([]domain.HistoryEntry, error) {
	polls, err := s.store.FindEnded(ctx, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("find ended polls: %w", err)
	}

	entries := make([]domain.HistoryEntry, 0, len(polls))
	for i := range polls {
		r, err := s.aggregate(ctx, &polls[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, domain.HistoryEntry{Poll: polls[i], Results: *r})
	}

	return entries, nil
}

func (s *Service) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	next, err := s.store.FindOldestQueued(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "poll: find queued poll failed", "error", err)
		return
	}
	if next == nil {
		return
	}

	if err := s.activate(ctx, next); err != nil {
		slog.ErrorContext(ctx, "poll: activate queued poll failed",
			"poll_id", next.ID,
			"error", err,
		)
	}
}

func (s *Service) activate(ctx context.Context, p *domain.Poll) error {
	startedAt := s.now()
	if err := s.store.MarkActive(ctx, p.ID, startedAt); err != nil {
		return fmt.Errorf("mark poll active: %w", err)
	}

	p.Status = domain.PollStatusActive
	p.IsActive = true
	p.StartedAt = &startedAt

	s.armCountdown(p.ID, p.Duration)
	s.eb.Publish(ctx, domain.EventPollStarted{Poll: *p})
	telemetry.PollsStarted.Inc()

	return nil
}

// armCountdown schedules the server-side closure of the poll. Replacing the
// handle stops the previous countdown, so two countdowns never coexist.
func (s *Service) armCountdown(pollID string, duration int) {
	d := time.Duration(duration)*time.Second + s.buffer

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countdown != nil {
		s.countdown.Stop()
	}
	s.countdownPoll = pollID
	s.countdown = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.EndPoll(ctx, pollID); err != nil {
			slog.ErrorContext(ctx, "poll: countdown end failed",
				"poll_id", pollID,
				"error", err,
			)
		}
	})
}

// computeRemaining is the single timing truth shared by the countdown path
// and the state-read path: whole seconds left before the poll should close.
func computeRemaining(p *domain.Poll, now time.Time) int {
	if p.StartedAt == nil {
		return 0
	}

	elapsed := now.Sub(*p.StartedAt).Seconds()
	remaining := math.Ceil(float64(p.Duration) - elapsed)
	if remaining < 0 {
		return 0
	}

	return int(remaining)
}

func (s *Service) aggregate(ctx context.Context, p *domain.Poll) (*domain.Results, error) {
	votes, err := s.ledger.FindAllFor(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}

	counts := make(map[string]int, len(p.Options))
	detailed := make([]domain.VoterChoice, 0, len(votes))
	for _, v := range votes {
		counts[v.Option]++
		detailed = append(detailed, domain.VoterChoice{Name: v.StudentName, Option: v.Option})
	}

	total := len(votes)
	options := make(map[string]domain.OptionResult, len(p.Options))
	for _, opt := range p.Options {
		options[opt] = domain.OptionResult{
			Count:      counts[opt],
			Percentage: percentage(counts[opt], total),
		}
	}

	return &domain.Results{
		PollID:     p.ID,
		Options:    options,
		TotalVotes: total,
		Detailed:   detailed,
	}, nil
}

// percentage is round(count/total*100), 0 when total is 0. Computed in
// decimal so the division is exact before rounding half away from zero.
func percentage(count, total int) int {
	if total == 0 {
		return 0
	}

	return int(decimal.NewFromInt(int64(count) * 100).
		Div(decimal.NewFromInt(int64(total))).
		Round(0).
		IntPart())
}
