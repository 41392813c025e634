// Package roster tracks who is connected right now. The registry is
// process-local, in-memory state keyed by ephemeral connection id: it is not
// durable, not replicated, and rebuilt from zero after a restart as clients
// reconnect and re-identify.
package roster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/event"
)

type Config struct {
	EventBus *event.Bus

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Registry struct {
	eb  *event.Bus
	now func() time.Time

	mu           sync.RWMutex
	participants map[string]domain.Participant
}

func NewRegistry(c Config) *Registry {
	r := &Registry{
		eb:           c.EventBus,
		now:          c.Now,
		participants: make(map[string]domain.Participant),
	}

	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// Add records an identified connection and broadcasts the updated roster.
// Re-adding an existing connection overwrites its name and role.
func (r *Registry) Add(ctx context.Context, connID, name, role string) {
	r.mu.Lock()
	r.participants[connID] = domain.Participant{
		ConnID:   connID,
		Name:     name,
		Role:     role,
		JoinTime: r.now(),
	}
	r.mu.Unlock()

	r.publish(ctx)
}

// Remove drops a connection from the roster, typically on disconnect.
func (r *Registry) Remove(ctx context.Context, connID string) {
	r.mu.Lock()
	_, ok := r.participants[connID]
	delete(r.participants, connID)
	r.mu.Unlock()

	if ok {
		r.publish(ctx)
	}
}

// Kick notifies the target connection it was removed, then drops it from the
// roster. Callers are responsible for checking the kicker's role.
func (r *Registry) Kick(ctx context.Context, connID string) {
	r.eb.Publish(ctx, domain.EventStudentKicked{ConnID: connID})
	r.Remove(ctx, connID)
}

// List returns the current participants ordered by join time, then
// connection id for a stable output.
func (r *Registry) List() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinTime.Equal(out[j].JoinTime) {
			return out[i].JoinTime.Before(out[j].JoinTime)
		}
		return out[i].ConnID < out[j].ConnID
	})

	return out
}

func (r *Registry) publish(ctx context.Context) {
	r.eb.Publish(ctx, domain.EventRosterUpdated{Participants: r.List()})
}
