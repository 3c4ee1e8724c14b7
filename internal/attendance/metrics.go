package attendance

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/reliability"
)

var (
	checkInCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "presence",
		Name:      "checkins_total",
		Help:      "Check-in attempts labeled by outcome.",
	}, []string{"result"})

	presenceTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Presence status transitions labeled by target status.",
	}, []string{"status"})

	scheduleTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "schedule",
		Name:      "transitions_total",
		Help:      "Schedule status transitions labeled by target status.",
	}, []string{"status"})

	pointsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "ledger",
		Name:      "awards_total",
		Help:      "Point ledger operations labeled by action and outcome.",
	}, []string{"action", "outcome"})

	rankUpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "ledger",
		Name:      "rank_ups_total",
		Help:      "Users promoted into a tier, labeled by tier name.",
	}, []string{"tier"})

	reliabilityCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "reliability",
		Name:      "events_total",
		Help:      "Reliability events applied, labeled by event.",
	}, []string{"event"})

	reconcileDriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "counters",
		Name:      "reconcile_drift_total",
		Help:      "Gyms whose stored aggregates differed from the recomputed values.",
	})

	sweepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Subsystem: "sweeper",
		Name:      "transitions_total",
		Help:      "Entities transitioned by the background sweeper, labeled by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		checkInCounter,
		presenceTransitionCounter,
		scheduleTransitionCounter,
		pointsCounter,
		rankUpCounter,
		reliabilityCounter,
		reconcileDriftCounter,
		sweepCounter,
	)
}

func recordCheckIn(err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation):
		result = "rejected"
	case errors.Is(err, domain.ErrConflict):
		result = "conflict"
	case errors.Is(err, domain.ErrNotFound):
		result = "not_found"
	case errors.Is(err, domain.ErrForbidden):
		result = "forbidden"
	default:
		result = "error"
	}
	checkInCounter.WithLabelValues(result).Inc()
}

func recordPresenceTransition(status domain.PresenceStatus) {
	presenceTransitionCounter.WithLabelValues(string(status)).Inc()
}

func recordScheduleTransition(status domain.ScheduleStatus) {
	scheduleTransitionCounter.WithLabelValues(string(status)).Inc()
}

func recordPointsAward(result AwardResult) {
	outcome := "granted"
	switch {
	case result.Skipped:
		outcome = "skipped"
	case result.Delta < 0:
		outcome = "revoked"
	}
	pointsCounter.WithLabelValues(string(result.Action), outcome).Inc()
	if result.RankedUp() {
		rankUpCounter.WithLabelValues(result.Tier.Name).Inc()
	}
}

func recordReliabilityEvent(ev reliability.Event) {
	reliabilityCounter.WithLabelValues(string(ev)).Inc()
}

func recordReconcileDrift() {
	reconcileDriftCounter.Inc()
}

func recordSweep(kind string, n int) {
	if n <= 0 {
		return
	}
	sweepCounter.WithLabelValues(kind).Add(float64(n))
}
