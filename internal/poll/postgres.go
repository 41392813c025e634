package poll

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/errors"
)

const codeUniqueViolation = "23505"

// PGStore is the Postgres-backed poll store.
//
// Expected schema:
//
//	CREATE TABLE polls (
//	    id             BIGSERIAL PRIMARY KEY,
//	    question_id    TEXT NOT NULL UNIQUE,
//	    question       TEXT NOT NULL,
//	    options        TEXT[] NOT NULL,
//	    correct_option INT NOT NULL DEFAULT -1,
//	    duration_secs  INT NOT NULL,
//	    status         TEXT NOT NULL,
//	    is_active      BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_by     TEXT NOT NULL,
//	    create_time    TIMESTAMPTZ NOT NULL,
//	    queued_at      TIMESTAMPTZ,
//	    started_at     TIMESTAMPTZ,
//	    ended_at       TIMESTAMPTZ
//	);
//	CREATE INDEX polls_is_active_idx ON polls (is_active);
//	CREATE INDEX polls_status_create_time_idx ON polls (status, create_time);
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const pollColumns = `id, question_id, question, options, correct_option, duration_secs, status, is_active, created_by, create_time, queued_at, started_at, ended_at`

func (s *PGStore) Create(ctx context.Context, p *domain.Poll) error {
	const stmt = `
INSERT INTO polls (question_id, question, options, correct_option, duration_secs, status, is_active, created_by, create_time, queued_at, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id;`

	var id int64
	err := s.db.QueryRow(ctx, stmt,
		p.QuestionID, p.Question, p.Options, p.CorrectOptionIndex, p.Duration,
		p.Status, p.IsActive, p.CreatedBy, p.CreateTime, p.QueuedAt, p.StartedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}

	p.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *PGStore) FindActive(ctx context.Context) (*domain.Poll, error) {
	const stmt = `SELECT ` + pollColumns + ` FROM polls WHERE is_active ORDER BY create_time DESC LIMIT 1;`
	return s.findOne(ctx, stmt)
}

func (s *PGStore) FindOldestQueued(ctx context.Context) (*domain.Poll, error) {
	const stmt = `SELECT ` + pollColumns + ` FROM polls WHERE status = 'QUEUED' ORDER BY create_time ASC LIMIT 1;`
	return s.findOne(ctx, stmt)
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*domain.Poll, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, nil
	}

	const stmt = `SELECT ` + pollColumns + ` FROM polls WHERE id = $1;`
	return s.findOne(ctx, stmt, n)
}

func (s *PGStore) MarkEnded(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, errors.New(errors.CodeNotFound, errors.WithMessagef("poll not found: id=%s", id))
	}

	// The status guard makes the transition atomic: of any number of racing
	// enders, exactly one sees an affected row.
	const stmt = `
UPDATE polls SET status = 'ENDED', is_active = FALSE, ended_at = $2
WHERE id = $1 AND status = 'ACTIVE';`

	ct, err := s.db.Exec(ctx, stmt, n, endedAt)
	if err != nil {
		return false, fmt.Errorf("update poll: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PGStore) MarkActive(ctx context.Context, id string, startedAt time.Time) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("poll not found: id=%s", id))
	}

	const stmt = `
UPDATE polls SET status = 'ACTIVE', is_active = TRUE, started_at = $2
WHERE id = $1;`

	if _, err := s.db.Exec(ctx, stmt, n, startedAt); err != nil {
		return fmt.Errorf("update poll: %w", err)
	}
	return nil
}

func (s *PGStore) FindEnded(ctx context.Context, limit int) ([]domain.Poll, error) {
	const stmt = `SELECT ` + pollColumns + ` FROM polls WHERE status = 'ENDED' ORDER BY create_time DESC LIMIT $1;`

	rows, err := s.db.Query(ctx, stmt, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Poll, error) {
		return scanPoll(r)
	})
}

func (s *PGStore) findOne(ctx context.Context, stmt string, args ...any) (*domain.Poll, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}

	p, err := pgx.CollectOneRow(rows, func(r pgx.CollectableRow) (domain.Poll, error) {
		return scanPoll(r)
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func scanPoll(r pgx.CollectableRow) (domain.Poll, error) {
	var (
		p  domain.Poll
		id int64
	)
	err := r.Scan(&id, &p.QuestionID, &p.Question, &p.Options, &p.CorrectOptionIndex,
		&p.Duration, &p.Status, &p.IsActive, &p.CreatedBy, &p.CreateTime,
		&p.QueuedAt, &p.StartedAt, &p.EndedAt)
	if err != nil {
		return domain.Poll{}, err
	}

	p.ID = strconv.FormatInt(id, 10)
	return p, nil
}

// PGLedger is the Postgres-backed vote ledger.
//
// Expected schema:
//
//	CREATE TABLE votes (
//	    poll_id      BIGINT NOT NULL REFERENCES polls (id),
//	    student_id   TEXT NOT NULL,
//	    student_name TEXT NOT NULL,
//	    option_label TEXT NOT NULL,
//	    vote_time    TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (poll_id, student_id)
//	);
//
// The primary key is the double-voting guard: concurrent votes from the same
// student race here, not in application code.
type PGLedger struct {
	db *pgxpool.Pool
}

func NewPGLedger(db *pgxpool.Pool) *PGLedger {
	return &PGLedger{db: db}
}

func (l *PGLedger) Create(ctx context.Context, v *domain.Vote) error {
	pollID, err := strconv.ParseInt(v.PollID, 10, 64)
	if err != nil {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("poll not found: id=%s", v.PollID))
	}

	const stmt = `
INSERT INTO votes (poll_id, student_id, student_name, option_label, vote_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err = l.db.Exec(ctx, stmt, pollID, v.StudentID, v.StudentName, v.Option, v.VoteTime)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}

	return err
}

func (l *PGLedger) ExistsFor(ctx context.Context, pollID, studentID string) (bool, error) {
	n, err := strconv.ParseInt(pollID, 10, 64)
	if err != nil {
		return false, nil
	}

	const stmt = `SELECT EXISTS (SELECT 1 FROM votes WHERE poll_id = $1 AND student_id = $2);`

	var exists bool
	if err := l.db.QueryRow(ctx, stmt, n, studentID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (l *PGLedger) FindAllFor(ctx context.Context, pollID string) ([]domain.Vote, error) {
	n, err := strconv.ParseInt(pollID, 10, 64)
	if err != nil {
		return nil, nil
	}

	const stmt = `
SELECT student_id, student_name, option_label, vote_time
FROM votes WHERE poll_id = $1
ORDER BY vote_time ASC;`

	rows, err := l.db.Query(ctx, stmt, n)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Vote, error) {
		v := domain.Vote{PollID: pollID}
		if err := r.Scan(&v.StudentID, &v.StudentName, &v.Option, &v.VoteTime); err != nil {
			return domain.Vote{}, err
		}
		return v, nil
	})
}

func (l *PGLedger) FindOneFor(ctx context.Context, pollID, studentID string) (*domain.Vote, error) {
	n, err := strconv.ParseInt(pollID, 10, 64)
	if err != nil {
		return nil, nil
	}

	const stmt = `
SELECT student_id, student_name, option_label, vote_time
FROM votes WHERE poll_id = $1 AND student_id = $2;`

	v := domain.Vote{PollID: pollID}
	err = l.db.QueryRow(ctx, stmt, n, studentID).Scan(&v.StudentID, &v.StudentName, &v.Option, &v.VoteTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &v, nil
}
