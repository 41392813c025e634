package roster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/event"
	"github.com/victornm/livepoll/internal/roster"
)

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()

	r, sink := makeRegistry(t)
	ctx := context.Background()

	r.Add(ctx, "c1", "Alice", domain.RoleStudent)
	r.Add(ctx, "c2", "Teacher", domain.RoleTeacher)

	got := r.List()
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].ConnID, "ordered by join time")
	require.Equal(t, "Alice", got[0].Name)
	require.Equal(t, domain.RoleTeacher, got[1].Role)

	// Re-adding the same connection overwrites, it does not duplicate.
	r.Add(ctx, "c1", "Alice B", domain.RoleStudent)
	got = r.List()
	require.Len(t, got, 2)
	require.Equal(t, "Alice B", got[0].Name)

	r.Remove(ctx, "c1")
	require.Len(t, r.List(), 1)

	// Removing an unknown connection is a no-op and broadcasts nothing.
	r.Remove(ctx, "nope")

	sink.stop()
	require.Equal(t, 4, sink.rosterUpdates(), "add, add, overwrite, remove")
}

func TestRegistry_Kick(t *testing.T) {
	t.Parallel()

	r, sink := makeRegistry(t)
	ctx := context.Background()

	r.Add(ctx, "c1", "Alice", domain.RoleStudent)
	r.Kick(ctx, "c1")

	require.Empty(t, r.List())

	sink.stop()
	require.Equal(t, []string{"c1"}, sink.kicked())
}

func TestRegistry_ListIsStable(t *testing.T) {
	t.Parallel()

	r, _ := makeRegistry(t)
	ctx := context.Background()

	// Same join instant: ties break on connection id.
	r.Add(ctx, "c3", "C", domain.RoleStudent)
	r.Add(ctx, "c1", "A", domain.RoleStudent)
	r.Add(ctx, "c2", "B", domain.RoleStudent)

	got := r.List()
	require.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].ConnID, got[1].ConnID, got[2].ConnID})
}

func makeRegistry(t *testing.T) (*roster.Registry, *sink) {
	t.Helper()

	eb := event.NewBus()
	s := &sink{eb: eb}

	eb.Subscribe(domain.EventNameRosterUpdated, func(ctx context.Context, e event.Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.updates++
		return nil
	})
	eb.Subscribe(domain.EventNameStudentKicked, func(ctx context.Context, e event.Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.kickedIDs = append(s.kickedIDs, e.(domain.EventStudentKicked).ConnID)
		return nil
	})

	at := time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)
	return roster.NewRegistry(roster.Config{
		EventBus: eb,
		Now:      func() time.Time { return at },
	}), s
}

type sink struct {
	eb *event.Bus

	mu        sync.Mutex
	updates   int
	kickedIDs []string
}

func (s *sink) stop() { s.eb.Stop() }

func (s *sink) rosterUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *sink) kicked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kickedIDs...)
}
