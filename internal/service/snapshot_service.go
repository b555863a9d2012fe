package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// SnapshotService manages quota-bound hypervisor snapshots of instances
type SnapshotService struct {
	instances  *InstanceService
	snapshots  SnapshotStore
	exportPoll time.Duration
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(instances *InstanceService, snapshots SnapshotStore) *SnapshotService {
	return &SnapshotService{
		instances:  instances,
		snapshots:  snapshots,
		exportPoll: 2 * time.Second,
	}
}

// Quota is the snapshot cap of an instance's template
func (s *SnapshotService) Quota(inst *models.Instance) int {
	if tpl := s.instances.catalog.Get(inst.Template); tpl != nil && tpl.MaxSnapshots > 0 {
		return tpl.MaxSnapshots
	}
	return s.instances.cfg.Snapshot.DefaultQuota
}

// List returns the snapshots of an instance and its quota
func (s *SnapshotService) List(ctx context.Context, user *models.User, instanceID string) ([]*models.Snapshot, int, error) {
	inst, err := s.instances.authorize(ctx, user, instanceID)
	if err != nil {
		return nil, 0, err
	}
	list, err := s.snapshots.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshots: %w", err)
	}
	return list, s.Quota(inst), nil
}

func (s *SnapshotService) load(ctx context.Context, user *models.User, instanceID, snapshotID string) (*models.Instance, *models.Snapshot, error) {
	inst, err := s.instances.authorize(ctx, user, instanceID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.snapshots.GetByID(ctx, snapshotID)
	if err != nil {
		return nil, nil, storeErr(err, "snapshot")
	}
	if snap.InstanceID != inst.ID {
		return nil, nil, fmt.Errorf("%w: snapshot", ErrNotFound)
	}
	return inst, snap, nil
}

// snapshotHandle is a hypervisor-safe snapshot name (letter first, max 40 chars)
func snapshotHandle() string {
	return "s" + strings.ReplaceAll(uuid.New().String(), "-", "")[:15]
}

// Create takes a snapshot. The quota is a hard cap; nothing is evicted.
func (s *SnapshotService) Create(ctx context.Context, user *models.User, instanceID string, req *models.CreateSnapshotRequest) (*models.Snapshot, error) {
	if _, err := s.instances.authorize(ctx, user, instanceID); err != nil {
		return nil, err
	}

	release, err := s.instances.acquire(ctx, instanceID, s.instances.lockTTL())
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := s.instances.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.CanToggle() || inst.VMID() == "" {
		return nil, fmt.Errorf("%w: instance is %s", ErrConflict, inst.Status)
	}

	count, err := s.snapshots.CountByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	if quota := s.Quota(inst); count >= quota {
		return nil, fmt.Errorf("%w: snapshot limit of %d reached", ErrQuotaExceeded, quota)
	}

	snap := &models.Snapshot{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Handle:     snapshotHandle(),
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		snap.Name = &name
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		snap.Description = &desc
	}

	err = s.instances.hvCall(ctx, "snapshot_create", 0, func(ctx context.Context) error {
		return s.instances.hv.CreateSnapshot(ctx, inst.VMID(), snap.Handle, req.Description)
	})
	if err != nil {
		return nil, upstream("create snapshot", err)
	}

	if err := s.snapshots.Create(ctx, snap); err != nil {
		// 记录失败，回收 hypervisor 上的快照
		delErr := s.instances.hvCall(context.Background(), "snapshot_delete", 0, func(ctx context.Context) error {
			return s.instances.hv.DeleteSnapshot(ctx, inst.VMID(), snap.Handle)
		})
		if delErr != nil {
			log.Printf("[SnapshotService] Failed to remove unrecorded snapshot %s of %s: %v", snap.Handle, instanceID, delErr)
		}
		return nil, storeErr(err, "snapshot")
	}

	s.instances.logAction(ctx, instanceID, "snapshot_create", inst.Status, "Snapshot "+snap.Handle)
	log.Printf("[SnapshotService] Snapshot %s created for instance %s", snap.Handle, instanceID)
	return snap, nil
}

// Restore stops the instance, rolls back and starts it again. Any failure
// leaves the instance in error for manual intervention.
func (s *SnapshotService) Restore(ctx context.Context, user *models.User, instanceID, snapshotID string) (*models.Instance, error) {
	if _, _, err := s.load(ctx, user, instanceID, snapshotID); err != nil {
		return nil, err
	}

	release, err := s.instances.acquire(ctx, instanceID, s.instances.lockTTL())
	if err != nil {
		return nil, err
	}
	defer release()

	inst, snap, err := s.load(ctx, nil, instanceID, snapshotID)
	if err != nil {
		return nil, err
	}
	if !inst.CanToggle() || inst.VMID() == "" {
		return nil, fmt.Errorf("%w: instance is %s", ErrConflict, inst.Status)
	}
	wasOnline := inst.Status == models.StatusOnline

	changed, err := s.instances.instances.TransitionStatus(ctx, instanceID,
		[]string{models.StatusOnline, models.StatusStopped}, models.StatusProvisioning, nil)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !changed {
		return nil, fmt.Errorf("%w: instance changed state", ErrConflict)
	}

	steps := []struct {
		op  string
		run func(ctx context.Context) error
	}{
		{"stop", func(ctx context.Context) error {
			if !wasOnline {
				return nil
			}
			return s.instances.hv.Stop(ctx, inst.VMID())
		}},
		{"snapshot_rollback", func(ctx context.Context) error {
			return s.instances.hv.RollbackSnapshot(ctx, inst.VMID(), snap.Handle)
		}},
		{"start", func(ctx context.Context) error {
			return s.instances.hv.Start(ctx, inst.VMID())
		}},
	}
	for _, step := range steps {
		if err := s.instances.hvCall(ctx, step.op, 0, step.run); err != nil {
			msg := fmt.Sprintf("restore snapshot %s: %s: %v", snap.Handle, step.op, err)
			s.instances.fail(ctx, instanceID, []string{models.StatusProvisioning}, msg)
			return nil, upstream("restore snapshot", err)
		}
	}

	s.instances.stats.Remove(instanceID)
	s.instances.logAction(ctx, instanceID, "snapshot_restore", models.StatusProvisioning, "Restored "+snap.Handle)
	log.Printf("[SnapshotService] Instance %s restored from %s", instanceID, snap.Handle)
	return s.instances.reload(ctx, instanceID)
}

// Delete removes the snapshot from the hypervisor, then the record.
// If the hypervisor fails the record is kept.
func (s *SnapshotService) Delete(ctx context.Context, user *models.User, instanceID, snapshotID string) error {
	if _, _, err := s.load(ctx, user, instanceID, snapshotID); err != nil {
		return err
	}

	release, err := s.instances.acquire(ctx, instanceID, s.instances.lockTTL())
	if err != nil {
		return err
	}
	defer release()

	inst, snap, err := s.load(ctx, nil, instanceID, snapshotID)
	if err != nil {
		return err
	}

	err = s.instances.hvCall(ctx, "snapshot_delete", 0, func(ctx context.Context) error {
		return s.instances.hv.DeleteSnapshot(ctx, inst.VMID(), snap.Handle)
	})
	if err != nil {
		return upstream("delete snapshot", err)
	}

	if err := s.snapshots.Delete(ctx, snapshotID); err != nil {
		return storeErr(err, "snapshot")
	}

	s.instances.logAction(ctx, instanceID, "snapshot_delete", inst.Status, "Deleted "+snap.Handle)
	return nil
}

// Export starts a backup job, or resumes polling the one already running, and
// waits up to SNAPSHOT_EXPORT_WAIT for it. An unfinished job is reported as accepted.
func (s *SnapshotService) Export(ctx context.Context, user *models.User, instanceID, snapshotID string) (*models.ExportResponse, error) {
	inst, snap, err := s.load(ctx, user, instanceID, snapshotID)
	if err != nil {
		return nil, err
	}
	if inst.VMID() == "" {
		return nil, fmt.Errorf("%w: instance has no vm", ErrConflict)
	}

	hv := s.instances.hv
	jobID := ""
	if snap.ExportJobID != nil {
		jobID = *snap.ExportJobID
	} else {
		err := s.instances.hvCall(ctx, "export_start", 0, func(ctx context.Context) error {
			var err error
			jobID, err = hv.StartExport(ctx, inst.VMID())
			return err
		})
		if errors.Is(err, client.ErrExportUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err != nil {
			return nil, upstream("start export", err)
		}
		if err := s.snapshots.SetExportJob(ctx, snapshotID, &jobID); err != nil {
			log.Printf("[SnapshotService] Failed to record export job of %s: %v", snapshotID, err)
		}
	}

	clk := s.instances.clock
	deadline := clk.Now().Add(s.instances.cfg.Snapshot.ExportWait)
	tick := clk.NewTicker(s.exportPoll)
	defer tick.Stop()

	accepted := &models.ExportResponse{
		SnapshotID: snapshotID,
		Status:     models.ExportAccepted,
		JobID:      jobID,
	}
	for {
		var job *client.ExportJob
		err := s.instances.hvCall(ctx, "export_status", 0, func(ctx context.Context) error {
			var err error
			job, err = hv.ExportStatus(ctx, inst.VMID(), jobID)
			return err
		})
		if err != nil && ctx.Err() == nil {
			s.clearExportJob(ctx, snapshotID)
			return nil, upstream("export status", err)
		}
		if err == nil && job.Done {
			s.clearExportJob(ctx, snapshotID)
			return &models.ExportResponse{
				SnapshotID: snapshotID,
				Status:     models.ExportCompleted,
				JobID:      jobID,
				Artifact:   job.Artifact,
				SizeBytes:  job.SizeBytes,
			}, nil
		}
		if !clk.Now().Before(deadline) {
			return accepted, nil
		}

		select {
		case <-ctx.Done():
			// 任务在后台继续, 下次调用续接
			return accepted, nil
		case <-tick.C():
		}
	}
}

func (s *SnapshotService) clearExportJob(ctx context.Context, snapshotID string) {
	if err := s.snapshots.SetExportJob(ctx, snapshotID, nil); err != nil {
		log.Printf("[SnapshotService] Failed to clear export job of %s: %v", snapshotID, err)
	}
}
