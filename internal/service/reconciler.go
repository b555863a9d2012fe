package service

import (
	"context"
	"log"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/clock"
)

// Reconciler polls the hypervisor for instances in provisioning
type Reconciler struct {
	instances *InstanceService
	clock     clock.Clock
	interval  time.Duration
}

func NewReconciler(instances *InstanceService, clk clock.Clock, interval time.Duration) *Reconciler {
	return &Reconciler{instances: instances, clock: clk, interval: interval}
}

// Run polls until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("[Reconciler] Started (interval %v)", r.interval)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reconciler] Stopped")
			return
		case <-ticker.C():
			r.instances.Reconcile(ctx)
		}
	}
}
