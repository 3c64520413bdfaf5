package models

import "time"

const (
	// DefaultStoreTimeout bounds a single store round-trip when the caller
	// did not set a deadline.
	DefaultStoreTimeout = 5 * time.Second

	// DefaultLockTTL is how long a lot-scoped number lock may be held.
	DefaultLockTTL = 10 * time.Second

	// MaxBulkSpaces caps a single CreateMultipleSpaces call.
	MaxBulkSpaces = 1000

	// DefaultSweepInterval is the period of the full reconciliation sweep.
	DefaultSweepInterval = 10 * time.Minute

	// ReconcileTries bounds the read-compare-write passes of one reconcile.
	ReconcileTries = 8

	// ReconcileQueueSize size of the reconcile retry queue
	ReconcileQueueSize = 256

	// DefaultStudentDailyRate and DefaultGuestHourlyRate are used when the
	// config does not provide a rate schedule.
	DefaultStudentDailyRate = 200
	DefaultGuestHourlyRate  = 50
)
