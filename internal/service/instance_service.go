package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/clock"
	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/repository"
)

var instanceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

type statsEntry struct {
	at    time.Time
	stats *models.InstanceStatsResponse
}

// InstanceService owns the instance lifecycle and drives the hypervisor
type InstanceService struct {
	cfg       *config.Config
	catalog   *config.Catalog
	instances InstanceStore
	users     UserStore
	domains   DomainStore
	logs      ActivityLog
	hv        client.Hypervisor
	tunnel    TunnelAPI
	locker    lock.Locker
	clock     clock.Clock
	metrics   *metrics.Metrics

	stats *lru.Cache[string, statsEntry]

	// 后台创建任务
	wg sync.WaitGroup
}

// NewInstanceService creates a new instance service
func NewInstanceService(
	cfg *config.Config,
	catalog *config.Catalog,
	instances InstanceStore,
	users UserStore,
	domains DomainStore,
	logs ActivityLog,
	hv client.Hypervisor,
	tunnel TunnelAPI,
	locker lock.Locker,
	clk clock.Clock,
	m *metrics.Metrics,
) *InstanceService {
	cache, _ := lru.New[string, statsEntry](1024)
	return &InstanceService{
		cfg:       cfg,
		catalog:   catalog,
		instances: instances,
		users:     users,
		domains:   domains,
		logs:      logs,
		hv:        hv,
		tunnel:    tunnel,
		locker:    locker,
		clock:     clk,
		metrics:   m,
		stats:     cache,
	}
}

// Wait blocks until background provisioning started by Create has finished
func (s *InstanceService) Wait() {
	s.wg.Wait()
}

func (s *InstanceService) logAction(ctx context.Context, instanceID, action, status, message string) {
	if err := s.logs.LogAction(ctx, instanceID, action, status, message); err != nil {
		log.Printf("[InstanceService] Failed to write log for %s: %v", instanceID, err)
	}
}

// hvCall runs one hypervisor operation under HYPERVISOR_OP_TIMEOUT
func (s *InstanceService) hvCall(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = s.cfg.Provisioning.OpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveHypervisor(op, start, err)
	return err
}

// acquire takes the per-instance operation lock or reports a conflict
func (s *InstanceService) acquire(ctx context.Context, instanceID string, ttl time.Duration) (func(), error) {
	release, ok, err := s.locker.TryLock(ctx, lock.InstanceKey(instanceID), ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: another operation is in progress on this instance", ErrConflict)
	}
	return release, nil
}

func (s *InstanceService) lockTTL() time.Duration {
	return 3 * s.cfg.Provisioning.OpTimeout
}

// authorize loads an instance the user may act on. Other users' instances look absent.
func (s *InstanceService) authorize(ctx context.Context, user *models.User, id string) (*models.Instance, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "instance")
	}
	if user != nil && !user.IsAdmin() && inst.UserID != user.ID {
		return nil, fmt.Errorf("%w: instance", ErrNotFound)
	}
	return inst, nil
}

// Get returns one instance
func (s *InstanceService) Get(ctx context.Context, user *models.User, id string) (*models.Instance, error) {
	return s.authorize(ctx, user, id)
}

// Logs returns the instance's recent lifecycle actions, newest first
func (s *InstanceService) Logs(ctx context.Context, user *models.User, id string, limit int) ([]*models.InstanceLog, error) {
	if _, err := s.authorize(ctx, user, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	logs, err := s.logs.GetByInstanceID(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

// List returns the user's instances, or all instances for an admin
func (s *InstanceService) List(ctx context.Context, user *models.User) ([]*models.Instance, error) {
	var (
		list []*models.Instance
		err  error
	)
	if user.IsAdmin() {
		list, err = s.instances.ListAll(ctx)
	} else {
		list, err = s.instances.ListByUser(ctx, user.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return list, nil
}

// Create validates the request, records the instance in provisioning and
// creates the VM in the background. The reconciler moves it online.
func (s *InstanceService) Create(ctx context.Context, user *models.User, req *models.CreateInstanceRequest) (*models.Instance, error) {
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if !instanceNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: name must be 1-63 characters of a-z, 0-9 and '-'", ErrValidation)
	}
	tpl := s.catalog.Get(req.Template)
	if tpl == nil {
		return nil, fmt.Errorf("%w: unknown template %q", ErrValidation, req.Template)
	}
	if user.IsBanned(s.clock.Now()) {
		return nil, fmt.Errorf("%w: account suspended", ErrForbidden)
	}

	count, err := s.instances.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	if limit := s.cfg.Limits.MaxInstancesPerUser; limit > 0 && count >= limit {
		return nil, fmt.Errorf("%w: at most %d instances per account", ErrQuotaExceeded, limit)
	}

	// 余额至少覆盖一天的费用
	if user.Points < tpl.PointsPerDay {
		return nil, fmt.Errorf("%w: template %s needs %s points, balance is %s",
			ErrInsufficientPoints, tpl.Name, tpl.PointsPerDay, user.Points)
	}

	inst := &models.Instance{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Name:         name,
		Template:     tpl.Name,
		VCPU:         tpl.VCPU,
		RAMMB:        tpl.RAMMB,
		StorageGB:    tpl.StorageGB,
		PointsPerDay: tpl.PointsPerDay,
		Status:       models.StatusProvisioning,
	}
	if err := s.instances.Create(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: instance name %q already in use", ErrConflict, name)
		}
		return nil, fmt.Errorf("create instance record: %w", err)
	}

	// 创建期间持有实例锁，防止并发的删除/开关机
	release, ok, err := s.locker.TryLock(ctx, lock.InstanceKey(inst.ID), s.cfg.Provisioning.Timeout)
	if err != nil || !ok {
		log.Printf("[InstanceService] Could not lock new instance %s: ok=%v err=%v", inst.ID, ok, err)
		release = func() {}
	}

	s.logAction(ctx, inst.ID, "create", models.StatusProvisioning,
		fmt.Sprintf("Provisioning %s (%s)", inst.Name, tpl.Name))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.provisionAsync(inst, tpl)
	}()

	log.Printf("[InstanceService] Instance %s created for user %s, provisioning started", inst.ID, user.ID)
	return inst, nil
}

// provisionAsync clones and boots the VM; any failure leaves the instance in error
func (s *InstanceService) provisionAsync(inst *models.Instance, tpl *config.Template) {
	ctx := context.Background()

	var handle *client.VMHandle
	err := s.hvCall(ctx, "create", s.cfg.Provisioning.Timeout, func(ctx context.Context) error {
		var err error
		handle, err = s.hv.CreateVM(ctx, &client.CreateVMRequest{
			Name:      "i-" + inst.ID,
			Template:  tpl.HypervisorTemplate,
			VCPU:      tpl.VCPU,
			RAMMB:     tpl.RAMMB,
			StorageGB: tpl.StorageGB,
		})
		return err
	})
	if handle != nil && handle.ID != "" {
		// 部分失败时也记录 vmid，删除时才能回收
		if err := s.instances.SetHypervisorID(ctx, inst.ID, handle.ID, handle.Node); err != nil {
			log.Printf("[InstanceService] Failed to record hypervisor id for %s: %v", inst.ID, err)
		}
	}
	if err != nil {
		s.fail(ctx, inst.ID, []string{models.StatusProvisioning}, fmt.Sprintf("create vm: %v", err))
		return
	}

	err = s.hvCall(ctx, "start", 0, func(ctx context.Context) error {
		return s.hv.Start(ctx, handle.ID)
	})
	if err != nil {
		s.fail(ctx, inst.ID, []string{models.StatusProvisioning}, fmt.Sprintf("start vm: %v", err))
		return
	}

	s.logAction(ctx, inst.ID, "vm_started", models.StatusProvisioning,
		fmt.Sprintf("VM %s started on %s, waiting for address", handle.ID, handle.Node))
	log.Printf("[InstanceService] Instance %s: VM %s started", inst.ID, handle.ID)
}

// fail moves an instance from one of from to error
func (s *InstanceService) fail(ctx context.Context, id string, from []string, msg string) {
	log.Printf("[InstanceService] Instance %s failed: %s", id, msg)
	if _, err := s.instances.TransitionStatus(ctx, id, from, models.StatusError, &msg); err != nil {
		log.Printf("[InstanceService] Failed to mark %s as error: %v", id, err)
	}
	s.logAction(ctx, id, "failed", models.StatusError, msg)
}

// Toggle flips an instance between online and stopped
func (s *InstanceService) Toggle(ctx context.Context, user *models.User, id string) (*models.Instance, error) {
	inst, err := s.authorize(ctx, user, id)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, id, s.lockTTL())
	if err != nil {
		return nil, err
	}
	defer release()

	// 加锁后重新读取
	inst, err = s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "instance")
	}
	if !inst.CanToggle() {
		return nil, fmt.Errorf("%w: instance is %s", ErrConflict, inst.Status)
	}

	if inst.Status == models.StatusOnline {
		err = s.hvCall(ctx, "stop", 0, func(ctx context.Context) error {
			return s.hv.Stop(ctx, inst.VMID())
		})
		if err != nil {
			return nil, upstream("stop vm", err)
		}
		if _, err := s.instances.TransitionStatus(ctx, id, []string{models.StatusOnline}, models.StatusStopped, nil); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		s.logAction(ctx, id, "stop", models.StatusStopped, "Stopped by user")
	} else {
		owner, err := s.users.GetByID(ctx, inst.UserID)
		if err != nil {
			return nil, storeErr(err, "owner")
		}
		if inst.PointsPerDay > 0 && owner.Points <= 0 {
			return nil, fmt.Errorf("%w: balance is empty", ErrInsufficientPoints)
		}

		err = s.hvCall(ctx, "start", 0, func(ctx context.Context) error {
			return s.hv.Start(ctx, inst.VMID())
		})
		if err != nil {
			return nil, upstream("start vm", err)
		}
		if _, err := s.instances.TransitionStatus(ctx, id, []string{models.StatusStopped}, models.StatusOnline, nil); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		s.logAction(ctx, id, "start", models.StatusOnline, "Started by user")
	}
	s.stats.Remove(id)

	return s.reload(ctx, id)
}

// Restart power-cycles an instance; it reports provisioning until the reconciler sees it running
func (s *InstanceService) Restart(ctx context.Context, user *models.User, id string) (*models.Instance, error) {
	if _, err := s.authorize(ctx, user, id); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, id, s.lockTTL())
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "instance")
	}
	if !inst.CanToggle() {
		return nil, fmt.Errorf("%w: instance is %s", ErrConflict, inst.Status)
	}
	wasOnline := inst.Status == models.StatusOnline

	changed, err := s.instances.TransitionStatus(ctx, id,
		[]string{models.StatusOnline, models.StatusStopped}, models.StatusProvisioning, nil)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !changed {
		return nil, fmt.Errorf("%w: instance changed state", ErrConflict)
	}

	err = s.hvCall(ctx, "restart", 0, func(ctx context.Context) error {
		if wasOnline {
			return s.hv.Reboot(ctx, inst.VMID())
		}
		return s.hv.Start(ctx, inst.VMID())
	})
	if err != nil {
		s.fail(ctx, id, []string{models.StatusProvisioning}, fmt.Sprintf("restart vm: %v", err))
		return nil, upstream("restart vm", err)
	}

	s.logAction(ctx, id, "restart", models.StatusProvisioning, "Restart requested")
	s.stats.Remove(id)
	return s.reload(ctx, id)
}

// Delete stops and destroys the VM, tears down its routes and removes the record
// together with its domains and snapshots. If the hypervisor or the tunnel API
// refuses, the record stays in error so neither the VM nor a route is leaked.
func (s *InstanceService) Delete(ctx context.Context, user *models.User, id string) error {
	if _, err := s.authorize(ctx, user, id); err != nil {
		return err
	}

	release, err := s.acquire(ctx, id, s.lockTTL())
	if err != nil {
		return err
	}
	defer release()

	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return storeErr(err, "instance")
	}

	// 持有实例锁, 之后不会再有新域名
	domains, err := s.domains.ListByInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}

	all := []string{models.StatusProvisioning, models.StatusOnline, models.StatusStopped, models.StatusError}

	if vmid := inst.VMID(); vmid != "" {
		if inst.Status == models.StatusOnline {
			err := s.hvCall(ctx, "stop", 0, func(ctx context.Context) error {
				return s.hv.Stop(ctx, vmid)
			})
			if err != nil {
				log.Printf("[InstanceService] Stop before delete failed for %s: %v", id, err)
			}
		}

		err := s.hvCall(ctx, "destroy", 0, func(ctx context.Context) error {
			return s.hv.Destroy(ctx, vmid)
		})
		if err != nil {
			s.fail(ctx, id, all, fmt.Sprintf("destroy vm: %v", err))
			return upstream("destroy vm", err)
		}
	}

	if err := s.deleteRoutes(ctx, domains); err != nil {
		// VM 已销毁: 清空 hypervisor id, 重试时只拆剩下的路由
		if inst.VMID() != "" {
			if err := s.instances.SetHypervisorID(ctx, id, "", inst.Node); err != nil {
				log.Printf("[InstanceService] Failed to clear hypervisor id of %s: %v", id, err)
			}
		}
		s.fail(ctx, id, all, fmt.Sprintf("delete routes: %v", err))
		return upstream("delete routes", err)
	}

	if err := s.instances.Delete(ctx, id); err != nil {
		return storeErr(err, "instance")
	}
	s.stats.Remove(id)
	s.logAction(ctx, id, "delete", "deleted", fmt.Sprintf("Instance %s deleted", inst.Name))

	log.Printf("[InstanceService] Instance %s deleted", id)
	return nil
}

// deleteRoutes tears down the routes of domains. A domain record is removed once its
// route is gone; the first failure is returned after trying every route.
func (s *InstanceService) deleteRoutes(ctx context.Context, domains []*models.Domain) error {
	var firstErr error
	for _, d := range domains {
		if err := s.tunnel.DeleteRoute(ctx, d.TunnelID); err != nil {
			log.Printf("[InstanceService] Failed to delete route %s of %s: %v", d.TunnelID, d.Hostname, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("route of %s: %w", d.Hostname, err)
			}
			continue
		}
		if err := s.domains.Delete(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Printf("[InstanceService] Failed to delete domain %s: %v", d.ID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("domain %s: %w", d.Hostname, err)
			}
		}
	}
	return firstErr
}

// ForceStop powers off an online instance on behalf of the billing engine
func (s *InstanceService) ForceStop(ctx context.Context, id, reason string) error {
	release, err := s.acquire(ctx, id, s.lockTTL())
	if err != nil {
		return err
	}
	defer release()

	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return storeErr(err, "instance")
	}
	if inst.Status != models.StatusOnline {
		return nil
	}

	err = s.hvCall(ctx, "stop", 0, func(ctx context.Context) error {
		return s.hv.Stop(ctx, inst.VMID())
	})
	if err != nil {
		return upstream("stop vm", err)
	}
	if _, err := s.instances.TransitionStatus(ctx, id, []string{models.StatusOnline}, models.StatusStopped, nil); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.stats.Remove(id)
	s.logAction(ctx, id, "force_stop", models.StatusStopped, reason)
	log.Printf("[InstanceService] Instance %s force-stopped: %s", id, reason)
	return nil
}

// Stats returns a live usage sample, cached for STATS_CACHE_TTL
func (s *InstanceService) Stats(ctx context.Context, user *models.User, id string) (*models.InstanceStatsResponse, error) {
	inst, err := s.authorize(ctx, user, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if e, ok := s.stats.Get(id); ok && now.Sub(e.at) < s.cfg.Provisioning.StatsTTL {
		return e.stats, nil
	}

	resp := &models.InstanceStatsResponse{
		InstanceID: inst.ID,
		Status:     inst.Status,
		IPAddress:  inst.Address(),
	}
	if inst.VMID() == "" || inst.Status != models.StatusOnline {
		return resp, nil
	}

	var vs *client.VMStats
	err = s.hvCall(ctx, "stats", 0, func(ctx context.Context) error {
		var err error
		vs, err = s.hv.Stats(ctx, inst.VMID())
		return err
	})
	if err != nil {
		return nil, upstream("vm stats", err)
	}

	resp.CPUPercent = vs.CPUPercent
	resp.MemUsedBytes = vs.MemUsedBytes
	resp.MemTotalBytes = vs.MemTotalBytes
	resp.DiskUsedBytes = vs.DiskUsedBytes
	resp.DiskTotalBytes = vs.DiskTotalBytes
	resp.UptimeSeconds = vs.UptimeSeconds
	if vs.IPAddress != "" {
		resp.IPAddress = vs.IPAddress
	}

	s.stats.Add(id, statsEntry{at: now, stats: resp})
	return resp, nil
}

// Reconcile checks every provisioning instance once against the hypervisor
func (s *InstanceService) Reconcile(ctx context.Context) {
	pending, err := s.instances.ListByStatus(ctx, models.StatusProvisioning)
	if err != nil {
		log.Printf("[Reconciler] Failed to list provisioning instances: %v", err)
		return
	}

	now := s.clock.Now()
	for _, inst := range pending {
		timedOut := now.Sub(inst.StatusChangedAt) > s.cfg.Provisioning.Timeout

		if inst.VMID() == "" {
			if timedOut {
				s.fail(ctx, inst.ID, []string{models.StatusProvisioning}, "provisioning timed out")
			}
			continue
		}

		var st *client.VMStatus
		err := s.hvCall(ctx, "status", 0, func(ctx context.Context) error {
			var err error
			st, err = s.hv.Status(ctx, inst.VMID())
			return err
		})

		switch {
		case err != nil:
			log.Printf("[Reconciler] Status of %s failed: %v", inst.ID, err)
		case st.State == client.VMStateRunning && st.IPAddress != "":
			ok, err := s.instances.MarkOnline(ctx, inst.ID, st.IPAddress)
			if err != nil {
				log.Printf("[Reconciler] Failed to mark %s online: %v", inst.ID, err)
				continue
			}
			if ok {
				s.logAction(ctx, inst.ID, "online", models.StatusOnline, "Address "+st.IPAddress)
				log.Printf("[Reconciler] Instance %s online at %s", inst.ID, st.IPAddress)
			}
			continue
		case st.State == client.VMStateFailed:
			s.fail(ctx, inst.ID, []string{models.StatusProvisioning}, "hypervisor reported failure: "+st.Message)
			continue
		}

		if timedOut {
			s.fail(ctx, inst.ID, []string{models.StatusProvisioning}, "provisioning timed out")
		}
	}
}

// CountByStatus feeds the instance gauge
func (s *InstanceService) CountByStatus(ctx context.Context) (map[string]int, error) {
	all, err := s.instances.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{
		models.StatusProvisioning: 0,
		models.StatusOnline:       0,
		models.StatusStopped:      0,
		models.StatusError:        0,
	}
	for _, inst := range all {
		counts[inst.Status]++
	}
	return counts, nil
}

func (s *InstanceService) reload(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "instance")
	}
	return inst, nil
}
