// Package monitors runs the two periodic background sweeps described in
// SPEC_FULL.md §4.4. Both loops are idempotent, set-based, and safe to
// run concurrently with ingest; a tick that errors logs and continues —
// a monitor never crashes the process.
package monitors

import (
	"context"
	"log"
	"time"
)

// Clock lets tests drive the monitors with a controllable wall clock
// instead of waiting on real ticks.
type Clock func() time.Time

// StaleNodeSweeper is the subset of the repository a monitor needs.
type StaleNodeSweeper interface {
	SweepStaleNodes(ctx context.Context, now time.Time) error
}

// LeaseReclaimer is the subset of the repository a monitor needs.
type LeaseReclaimer interface {
	ReclaimExpiredLeases(ctx context.Context, now time.Time) error
}

// loop is the shared ticker/select shape both monitors use.
type loop struct {
	interval time.Duration
	clock    Clock
	tick     func(ctx context.Context, now time.Time)
	cancel   context.CancelFunc
	done     chan struct{}
}

func newLoop(interval time.Duration, clock Clock, tick func(ctx context.Context, now time.Time)) *loop {
	if clock == nil {
		clock = time.Now
	}
	return &loop{interval: interval, clock: clock, tick: tick}
}

func (l *loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
}

func (l *loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx, l.clock())
		}
	}
}

// StaleScan runs sweepStaleNodes every interval (default 5s).
type StaleScan struct{ l *loop }

// NewStaleScan builds a StaleScan bound to repo, ticking every interval.
func NewStaleScan(repo StaleNodeSweeper, interval time.Duration, clock Clock) *StaleScan {
	s := &StaleScan{}
	s.l = newLoop(interval, clock, func(ctx context.Context, now time.Time) {
		if err := repo.SweepStaleNodes(ctx, now); err != nil {
			log.Printf("[monitors] stale scan: %v", err)
		}
	})
	return s
}

func (s *StaleScan) Start(ctx context.Context) { s.l.Start(ctx) }
func (s *StaleScan) Stop()                     { s.l.Stop() }

// LeaseScan runs reclaimExpiredLeases every interval (default 3s).
type LeaseScan struct{ l *loop }

// NewLeaseScan builds a LeaseScan bound to repo, ticking every interval.
func NewLeaseScan(repo LeaseReclaimer, interval time.Duration, clock Clock) *LeaseScan {
	s := &LeaseScan{}
	s.l = newLoop(interval, clock, func(ctx context.Context, now time.Time) {
		if err := repo.ReclaimExpiredLeases(ctx, now); err != nil {
			log.Printf("[monitors] lease scan: %v", err)
		}
	})
	return s
}

func (s *LeaseScan) Start(ctx context.Context) { s.l.Start(ctx) }
func (s *LeaseScan) Stop()                     { s.l.Stop() }
