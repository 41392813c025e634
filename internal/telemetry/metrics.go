package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepoll",
		Name:      "polls_started_total",
		Help:      "Number of polls activated, whether created active or drained from the queue.",
	})

	PollsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepoll",
		Name:      "polls_ended_total",
		Help:      "Number of polls ended by countdown, explicit stop or lazy expiry.",
	})

	VotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepoll",
		Name:      "votes_accepted_total",
		Help:      "Number of votes recorded in the ledger.",
	})

	VotesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livepoll",
		Name:      "votes_rejected_total",
		Help:      "Number of votes rejected before reaching the ledger.",
	})
)
