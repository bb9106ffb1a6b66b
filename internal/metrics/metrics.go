// Package metrics exposes prometheus collectors for the sync engine.
//
// These are the only "observability" knobs this module carries: spec.md
// excludes transport, pagination and store-durability guarantees, but never
// metrics, so the ambient stack keeps the teacher's prometheus wiring.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matrix_client_base",
		Subsystem: "engine",
		Name:      "syncs_processed_total",
		Help:      "Total number of sync responses folded into state.",
	})

	SyncReplayShortCircuits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matrix_client_base",
		Subsystem: "engine",
		Name:      "sync_replay_short_circuit_total",
		Help:      "Total number of sync responses discarded as replays of the stored token.",
	})

	UnableToDecrypt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrix_client_base",
		Subsystem: "timeline",
		Name:      "utd_total",
		Help:      "Total number of timeline events that could not be decrypted.",
	}, []string{"room_id"})

	PushNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrix_client_base",
		Subsystem: "timeline",
		Name:      "push_notifications_total",
		Help:      "Total number of timeline events whose push actions signalled notify.",
	}, []string{"room_id"})

	AmbiguityCacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matrix_client_base",
		Subsystem: "ambiguity",
		Name:      "cache_size",
		Help:      "Number of members currently tracked under a display name per room.",
	}, []string{"room_id"})
)

var registerOnce sync.Once

// Register registers every collector with the default prometheus registry.
// Safe to call more than once; only the first call has effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncsProcessed,
			SyncReplayShortCircuits,
			UnableToDecrypt,
			PushNotifications,
			AmbiguityCacheSize,
		)
	})
}
