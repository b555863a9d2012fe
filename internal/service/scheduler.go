package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/clock"
	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
)

// Scheduler fires the consumption tick on a fixed interval. A tick that comes
// due while the previous one still runs is skipped, here and across replicas.
type Scheduler struct {
	billing  *BillingService
	clock    clock.Clock
	interval time.Duration
	locker   lock.Locker
	metrics  *metrics.Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(billing *BillingService, clk clock.Clock, interval time.Duration, locker lock.Locker, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		billing:  billing,
		clock:    clk,
		interval: interval,
		locker:   locker,
		metrics:  m,
	}
}

// Run fires ticks until ctx is cancelled, then waits for the running tick
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Started (tick %v)", s.interval)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Printf("[Scheduler] Stopped")
			return
		case <-ticker.C():
			s.Fire(ctx)
		}
	}
}

// Fire starts a tick in the background. It reports false when the tick was skipped.
func (s *Scheduler) Fire(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		log.Printf("[Scheduler] Skipping tick: %v", errTickBusy)
		s.metrics.TickResult("skipped")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runTick(ctx)
	}()
	return true
}

// Wait blocks until the running tick, if any, is done
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runTick(ctx context.Context) {
	// 锁不主动释放：租约覆盖本周期，其他副本在本周期内都拿不到
	_, ok, err := s.locker.TryLock(ctx, lock.BillingTickKey, s.interval*9/10)
	if err != nil {
		log.Printf("[Scheduler] Tick lock failed: %v", err)
		s.metrics.TickResult("failed")
		return
	}
	if !ok {
		s.metrics.TickResult("skipped")
		return
	}

	if _, err := s.billing.Tick(ctx, s.interval); err != nil {
		log.Printf("[Scheduler] Tick failed: %v", err)
		s.metrics.TickResult("failed")
		return
	}
	s.metrics.TickResult("ok")
}
