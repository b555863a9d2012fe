package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

func TestTickChargesAccumulateExactly(t *testing.T) {
	for _, rate := range []string{"12", "7", "0.5"} {
		t.Run(rate, func(t *testing.T) {
			h := newHarness(t)
			u := h.addUser("u1", "100")
			h.addInstance(u, "web", models.StatusOnline, rate)

			start := h.balance(u.ID)
			perDay := int64(models.MustParsePoints(rate))
			tickSeconds := int64(time.Minute / time.Second)

			for n := int64(1); n <= 1440; n++ {
				if _, err := h.billing.Tick(context.Background(), time.Minute); err != nil {
					t.Fatalf("tick %d: %v", n, err)
				}
				want := start - models.Points(n*perDay*tickSeconds/secondsPerDay)
				if got := h.balance(u.ID); got != want {
					t.Fatalf("after %d ticks balance = %s, want %s", n, got, want)
				}
			}
			// 一整天正好扣一天的费用
			if got, want := start-h.balance(u.ID), models.Points(perDay); got != want {
				t.Errorf("charged over a day = %s, want %s", got, want)
			}
		})
	}
}

func TestTickDepletesBalanceAndStopsInstances(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "10")
	inst := h.addInstance(u, "web", models.StatusOnline, "12")
	free := h.addInstance(u, "free", models.StatusOnline, "0")

	var stoppedAt int
	for n := 1; n <= 1440; n++ {
		report, err := h.billing.Tick(context.Background(), time.Minute)
		if err != nil {
			t.Fatalf("tick %d: %v", n, err)
		}
		if len(report.Stopped) > 0 && stoppedAt == 0 {
			stoppedAt = n
			if len(report.Stopped) != 1 || report.Stopped[0] != inst.ID {
				t.Errorf("stopped = %v, want only %s", report.Stopped, inst.ID)
			}
		}
		if h.balance(u.ID) < 0 {
			t.Fatalf("balance went negative after %d ticks", n)
		}
	}

	if stoppedAt == 0 {
		t.Fatal("instance was never stopped")
	}
	if got := h.balance(u.ID); got != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
	if got := h.instance(inst.ID).Status; got != models.StatusStopped {
		t.Errorf("paid instance status = %s, want stopped", got)
	}
	if got := h.instance(free.ID).Status; got != models.StatusOnline {
		t.Errorf("free instance status = %s, want online", got)
	}
	if h.hv.countCalls("stop") != 1 {
		t.Errorf("hypervisor stop calls = %d, want 1", h.hv.countCalls("stop"))
	}

	var debited models.Points
	for _, l := range h.db.ledger {
		if l.Reason == models.PointReasonUsage {
			debited -= l.Amount
		}
	}
	if debited != models.WholePoints(10) {
		t.Errorf("ledger debits = %s, want 10", debited)
	}

	subjects := h.mail.subjects()
	if len(subjects) != 2 || subjects[0] != "Low point balance" || subjects[1] != "Point balance depleted" {
		t.Errorf("mails = %v", subjects)
	}
}

func TestTickIncludesPaidDomains(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	inst := h.addInstance(u, "web", models.StatusOnline, "12")

	for _, sub := range []string{"one", "two", "three"} {
		if _, err := h.domains.Create(context.Background(), u, inst.ID, &models.CreateDomainRequest{Subdomain: sub, Port: 80}); err != nil {
			t.Fatalf("create %s: %v", sub, err)
		}
	}
	burn, _, _, err := h.billing.DailyBurn(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if burn != models.WholePoints(12) {
		t.Fatalf("burn with free domains = %s, want 12", burn)
	}

	d, err := h.domains.Create(context.Background(), u, inst.ID, &models.CreateDomainRequest{Subdomain: "four", Port: 80})
	if err != nil {
		t.Fatalf("create fourth: %v", err)
	}
	if !d.IsPaid {
		t.Fatal("fourth domain should be paid")
	}
	burn, _, _, _ = h.billing.DailyBurn(context.Background(), u.ID)
	if burn != models.WholePoints(14) {
		t.Fatalf("burn with paid domain = %s, want 14", burn)
	}

	for n := 0; n < 1440; n++ {
		if _, err := h.billing.Tick(context.Background(), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.balance(u.ID); got != models.WholePoints(86) {
		t.Errorf("balance after a day = %s, want 86", got)
	}
}

func TestTickSkipsInstanceStoppedMidTick(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	inst := h.addInstance(u, "web", models.StatusOnline, "12")

	h.charges.beforeCharge = func(id string) {
		h.db.mu.Lock()
		h.db.instances[id].Status = models.StatusStopped
		h.db.mu.Unlock()
	}

	report, err := h.billing.Tick(context.Background(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Charged != 0 {
		t.Errorf("report = %+v, want one skipped", report)
	}
	if got := h.balance(u.ID); got != models.WholePoints(100) {
		t.Errorf("balance = %s, want untouched", got)
	}
	if h.instance(inst.ID).BillingCarry != 0 {
		t.Error("carry changed for a skipped instance")
	}
}

func TestTickFailedChargeIsNotDoubled(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	h.addInstance(u, "web", models.StatusOnline, "12")

	h.charges.failNext = errors.New("deadlock detected")
	report, err := h.billing.Tick(context.Background(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed)
	}
	if got := h.balance(u.ID); got != models.WholePoints(100) {
		t.Fatalf("balance = %s after failed charge", got)
	}

	if _, err := h.billing.Tick(context.Background(), time.Minute); err != nil {
		t.Fatal(err)
	}
	perTick := models.Points(int64(models.WholePoints(12)) * 60 / secondsPerDay)
	if got, want := h.balance(u.ID), models.WholePoints(100)-perTick; got != want {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func TestLowBalanceNoticeOncePerDay(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "11")
	h.addInstance(u, "web", models.StatusOnline, "12")

	for n := 0; n < 10; n++ {
		if _, err := h.billing.Tick(context.Background(), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.mail.subjects()); got != 1 {
		t.Fatalf("mails = %d, want 1", got)
	}

	h.clock.Advance(25 * time.Hour)
	if _, err := h.billing.Tick(context.Background(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := len(h.mail.subjects()); got != 2 {
		t.Errorf("mails after a day = %d, want 2", got)
	}
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	h.addInstance(u, "web", models.StatusOnline, "12")

	block := make(chan struct{})
	h.charges.block = block
	sched := NewScheduler(h.billing, h.clock, time.Minute, lock.NewMemoryLocker(), nil)

	if !sched.Fire(context.Background()) {
		t.Fatal("first tick should run")
	}
	if sched.Fire(context.Background()) {
		t.Fatal("second tick should be skipped while the first runs")
	}

	close(block)
	sched.Wait()

	perTick := models.Points(int64(models.WholePoints(12)) * 60 / secondsPerDay)
	if got, want := h.balance(u.ID), models.WholePoints(100)-perTick; got != want {
		t.Errorf("balance = %s, want exactly one tick charged (%s)", got, want)
	}
}

func TestSchedulerHoldsTickLockAcrossReplicas(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	h.addInstance(u, "web", models.StatusOnline, "12")

	shared := lock.NewMemoryLocker()
	a := NewScheduler(h.billing, h.clock, time.Minute, shared, nil)
	b := NewScheduler(h.billing, h.clock, time.Minute, shared, nil)

	a.Fire(context.Background())
	a.Wait()
	b.Fire(context.Background())
	b.Wait()

	perTick := models.Points(int64(models.WholePoints(12)) * 60 / secondsPerDay)
	if got, want := h.balance(u.ID), models.WholePoints(100)-perTick; got != want {
		t.Errorf("balance = %s, want one charge per interval (%s)", got, want)
	}
}

func TestSchedulerRunsOnClock(t *testing.T) {
	h := newHarness(t)
	u := h.addUser("u1", "100")
	h.addInstance(u, "web", models.StatusOnline, "12")

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(h.billing, h.clock, time.Minute, lock.NewMemoryLocker(), nil)
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.balance(u.ID) == models.WholePoints(100) {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never charged")
		}
		h.clock.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
