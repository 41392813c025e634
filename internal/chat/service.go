package chat

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/errors"
	"github.com/victornm/livepoll/internal/event"
)

// historyLimit is how many recent messages a joining client receives.
const historyLimit = 50

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
}

// Service is the classroom side-channel chat: messages are archived in
// Postgres and broadcast to everyone through the event bus.
//
// Expected schema:
//
//	CREATE TABLE chat_messages (
//	    id          BIGSERIAL PRIMARY KEY,
//	    sender_id   TEXT NOT NULL,
//	    sender_name TEXT NOT NULL,
//	    role        TEXT NOT NULL,
//	    text        TEXT NOT NULL,
//	    create_time TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Service struct {
	db *pgxpool.Pool
	eb *event.Bus
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
		eb: c.EventBus,
	}
}

type SendRequest struct {
	SenderID   string
	SenderName string
	Role       string
	Text       string
}

func (s *Service) Send(ctx context.Context, req SendRequest) (*domain.ChatMessage, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("message text must not be empty"))
	}

	const stmt = `
INSERT INTO chat_messages (sender_id, sender_name, role, text, create_time)
VALUES ($1, $2, $3, $4, now())
RETURNING id, create_time;`

	m := domain.ChatMessage{
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Role:       req.Role,
		Text:       req.Text,
	}

	var id int64
	if err := s.db.QueryRow(ctx, stmt, m.SenderID, m.SenderName, m.Role, m.Text).Scan(&id, &m.CreateTime); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	m.ID = strconv.FormatInt(id, 10)

	s.eb.Publish(ctx, domain.EventChatMessage{Message: m})

	return &m, nil
}

// History returns the most recent messages, oldest first.
func (s *Service) History(ctx context.Context) ([]domain.ChatMessage, error) {
	const stmt = `
SELECT id, sender_id, sender_name, role, text, create_time FROM (
	SELECT id, sender_id, sender_name, role, text, create_time
	FROM chat_messages ORDER BY create_time DESC LIMIT $1
) recent ORDER BY create_time ASC;`

	rows, err := s.db.Query(ctx, stmt, historyLimit)
	if err != nil {
		return nil, err
	}

	msgs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.ChatMessage, error) {
		var (
			m  domain.ChatMessage
			id int64
		)
		if err := r.Scan(&id, &m.SenderID, &m.SenderName, &m.Role, &m.Text, &m.CreateTime); err != nil {
			return domain.ChatMessage{}, err
		}
		m.ID = strconv.FormatInt(id, 10)
		return m, nil
	})
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return msgs, nil
}
