package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/clock"
	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

const secondsPerDay = 86400

// InstanceStopper is the orchestrator operation the billing engine needs
type InstanceStopper interface {
	ForceStop(ctx context.Context, id, reason string) error
}

// BillingService debits point balances for running instances and paid domains
type BillingService struct {
	cfg       *config.Config
	instances InstanceStore
	users     UserStore
	domains   DomainStore
	charges   ChargeStore
	stopper   InstanceStopper
	notifier  *Notifier
	clock     clock.Clock
	metrics   *metrics.Metrics
}

// NewBillingService creates a new billing service
func NewBillingService(
	cfg *config.Config,
	instances InstanceStore,
	users UserStore,
	domains DomainStore,
	charges ChargeStore,
	stopper InstanceStopper,
	notifier *Notifier,
	clk clock.Clock,
	m *metrics.Metrics,
) *BillingService {
	return &BillingService{
		cfg:       cfg,
		instances: instances,
		users:     users,
		domains:   domains,
		charges:   charges,
		stopper:   stopper,
		notifier:  notifier,
		clock:     clk,
		metrics:   m,
	}
}

// TickReport summarizes one consumption tick
type TickReport struct {
	Charged  int
	Skipped  int
	Failed   int
	Total    models.Points
	Depleted []string // user ids
	Stopped  []string // instance ids
}

// InstanceRate is the daily cost of an online instance including its paid domains
func (s *BillingService) InstanceRate(inst *models.Instance, paidDomains int) models.Points {
	return inst.PointsPerDay + models.Points(paidDomains)*s.cfg.Billing.PaidDomainPointsPerDay
}

// decide computes the charge for one tick. The carry keeps the remainder of
// rate*seconds/day so the cumulative charge after n ticks is exactly
// floor(n*rate*seconds/day) micro-points.
func (s *BillingService) decide(tick time.Duration) func(*models.ChargeInput) models.ChargeDecision {
	seconds := int64(tick / time.Second)
	return func(in *models.ChargeInput) models.ChargeDecision {
		if in.Instance.Status != models.StatusOnline {
			return models.ChargeDecision{Skip: true}
		}

		rate := s.InstanceRate(in.Instance, in.PaidDomains)
		if rate <= 0 {
			return models.ChargeDecision{Carry: in.Instance.BillingCarry}
		}

		num := int64(rate)*seconds + in.Instance.BillingCarry
		amount := models.Points(num / secondsPerDay)
		carry := num % secondsPerDay

		balance := in.User.Points
		if balance < 0 {
			balance = 0
		}
		if amount >= balance {
			// 余额归零，钳制在 0
			return models.ChargeDecision{Amount: balance, Carry: carry, Depleted: true}
		}
		return models.ChargeDecision{Amount: amount, Carry: carry}
	}
}

// Tick charges every online instance for one tick of length tick.
// Failed charges are logged and retried with the next tick.
func (s *BillingService) Tick(ctx context.Context, tick time.Duration) (*TickReport, error) {
	online, err := s.instances.ListByStatus(ctx, models.StatusOnline)
	if err != nil {
		return nil, fmt.Errorf("list online instances: %w", err)
	}

	report := &TickReport{}
	depleted := map[string]bool{}
	touched := map[string]bool{}
	decide := s.decide(tick)

	for _, inst := range online {
		outcome, err := s.charges.ChargeInstance(ctx, inst.ID, decide)
		if err != nil {
			report.Failed++
			log.Printf("[Billing] Charge for instance %s failed: %v", inst.ID, err)
			continue
		}
		if outcome.Skipped {
			report.Skipped++
			continue
		}

		report.Charged++
		report.Total += outcome.Charged
		touched[outcome.UserID] = true
		if outcome.Depleted {
			depleted[outcome.UserID] = true
		}
	}

	for userID := range depleted {
		report.Depleted = append(report.Depleted, userID)
		report.Stopped = append(report.Stopped, s.stopDepleted(ctx, userID)...)
	}
	for userID := range touched {
		if !depleted[userID] {
			s.checkLowBalance(ctx, userID)
		}
	}

	s.metrics.Charged(report.Total.Float64())
	if report.Charged > 0 || report.Failed > 0 {
		log.Printf("[Billing] Tick: charged=%d skipped=%d failed=%d total=%s depleted=%d",
			report.Charged, report.Skipped, report.Failed, report.Total, len(report.Depleted))
	}
	return report, nil
}

// stopDepleted stops every online instance of the user that still burns points
func (s *BillingService) stopDepleted(ctx context.Context, userID string) []string {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		log.Printf("[Billing] Failed to load depleted user %s: %v", userID, err)
		return nil
	}

	list, err := s.instances.ListByUser(ctx, userID)
	if err != nil {
		log.Printf("[Billing] Failed to list instances of %s: %v", userID, err)
		return nil
	}

	var stopped, names []string
	for _, inst := range list {
		if inst.Status != models.StatusOnline {
			continue
		}
		rate, err := s.rateOf(ctx, inst)
		if err != nil {
			log.Printf("[Billing] Failed to price instance %s: %v", inst.ID, err)
			continue
		}
		if rate <= 0 {
			continue
		}

		if err := s.stopper.ForceStop(ctx, inst.ID, "point balance depleted"); err != nil {
			// 下一次 tick 会再次尝试
			log.Printf("[Billing] Failed to stop instance %s: %v", inst.ID, err)
			continue
		}
		s.metrics.AutoStopped()
		stopped = append(stopped, inst.ID)
		names = append(names, inst.Name)
	}

	if len(stopped) > 0 {
		s.notifier.Depleted(user, names)
	}
	return stopped
}

func (s *BillingService) checkLowBalance(ctx context.Context, userID string) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		log.Printf("[Billing] Failed to load user %s: %v", userID, err)
		return
	}

	now := s.clock.Now()
	if user.LowBalanceNotified != nil && now.Sub(*user.LowBalanceNotified) < 24*time.Hour {
		return
	}

	burn, _, _, err := s.DailyBurn(ctx, userID)
	if err != nil {
		log.Printf("[Billing] Failed to compute burn of %s: %v", userID, err)
		return
	}
	if burn <= 0 || user.Points >= burn*models.Points(s.cfg.Billing.LowBalanceDays) {
		return
	}

	s.notifier.LowBalance(user, user.Points, burn)
	if err := s.users.MarkLowBalanceNotified(ctx, userID, now); err != nil {
		log.Printf("[Billing] Failed to record low balance notice for %s: %v", userID, err)
	}
}

func (s *BillingService) rateOf(ctx context.Context, inst *models.Instance) (models.Points, error) {
	domains, err := s.domains.ListByInstance(ctx, inst.ID)
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, d := range domains {
		if d.IsPaid {
			paid++
		}
	}
	return s.InstanceRate(inst, paid), nil
}

// DailyBurn is what the user's online instances cost per day right now
func (s *BillingService) DailyBurn(ctx context.Context, userID string) (burn models.Points, online, total int, err error) {
	list, err := s.instances.ListByUser(ctx, userID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range list {
		total++
		if inst.Status != models.StatusOnline {
			continue
		}
		online++
		rate, err := s.rateOf(ctx, inst)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("list domains: %w", err)
		}
		burn += rate
	}
	return burn, online, total, nil
}

var errTickBusy = errors.New("previous tick still running")
