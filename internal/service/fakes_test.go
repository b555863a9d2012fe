package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/clock"
	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/repository"
)

// ==================== in-memory stores ====================

type memDB struct {
	mu        sync.Mutex
	now       func() time.Time
	users     map[string]*models.User
	instances map[string]*models.Instance
	domains   map[string]*models.Domain
	snapshots map[string]*models.Snapshot
	ledger    []models.PointLog
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		now:       now,
		users:     map[string]*models.User{},
		instances: map[string]*models.Instance{},
		domains:   map[string]*models.Domain{},
		snapshots: map[string]*models.Snapshot{},
	}
}

func cloneInstance(i *models.Instance) *models.Instance { c := *i; return &c }
func cloneUser(u *models.User) *models.User             { c := *u; return &c }
func cloneDomain(d *models.Domain) *models.Domain       { c := *d; return &c }
func cloneSnapshot(s *models.Snapshot) *models.Snapshot { c := *s; return &c }

type memInstances struct{ db *memDB }

func (m memInstances) Create(ctx context.Context, inst *models.Instance) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, other := range m.db.instances {
		if other.UserID == inst.UserID && other.Name == inst.Name {
			return repository.ErrDuplicate
		}
	}
	now := m.db.now()
	inst.Version = 1
	inst.CreatedAt, inst.UpdatedAt, inst.StatusChangedAt = now, now, now
	m.db.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m memInstances) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inst, ok := m.db.instances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (m memInstances) list(match func(*models.Instance) bool) []*models.Instance {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*models.Instance
	for _, inst := range m.db.instances {
		if match(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	return out
}

func (m memInstances) ListByUser(ctx context.Context, userID string) ([]*models.Instance, error) {
	return m.list(func(i *models.Instance) bool { return i.UserID == userID }), nil
}

func (m memInstances) ListAll(ctx context.Context) ([]*models.Instance, error) {
	return m.list(func(*models.Instance) bool { return true }), nil
}

func (m memInstances) ListByStatus(ctx context.Context, status string) ([]*models.Instance, error) {
	return m.list(func(i *models.Instance) bool { return i.Status == status }), nil
}

func (m memInstances) CountByUser(ctx context.Context, userID string) (int, error) {
	list, _ := m.ListByUser(ctx, userID)
	return len(list), nil
}

func (m memInstances) SetHypervisorID(ctx context.Context, id, hypervisorID, node string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inst, ok := m.db.instances[id]
	if !ok {
		return repository.ErrNotFound
	}
	inst.HypervisorID = &hypervisorID
	if hypervisorID == "" {
		inst.HypervisorID = nil
	}
	inst.Node = node
	inst.Version++
	return nil
}

func (m memInstances) TransitionStatus(ctx context.Context, id string, from []string, to string, errorMsg *string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inst, ok := m.db.instances[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if inst.Status == f {
			if inst.Status != to {
				inst.StatusChangedAt = m.db.now()
			}
			inst.Status = to
			inst.ErrorMessage = errorMsg
			inst.Version++
			return true, nil
		}
	}
	return false, nil
}

func (m memInstances) MarkOnline(ctx context.Context, id, ip string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inst, ok := m.db.instances[id]
	if !ok || inst.Status != models.StatusProvisioning {
		return false, nil
	}
	inst.Status = models.StatusOnline
	inst.IPAddress = &ip
	inst.ErrorMessage = nil
	inst.StatusChangedAt = m.db.now()
	inst.Version++
	return true, nil
}

func (m memInstances) Delete(ctx context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.instances[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.instances, id)
	for did, d := range m.db.domains {
		if d.InstanceID == id {
			delete(m.db.domains, did)
		}
	}
	for sid, s := range m.db.snapshots {
		if s.InstanceID == id {
			delete(m.db.snapshots, sid)
		}
	}
	return nil
}

type memUsers struct{ db *memDB }

func (m memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m memUsers) AdjustPoints(ctx context.Context, userID string, delta models.Points, reason string, allowNegative bool) (*models.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	balance := u.Points + delta
	if balance < 0 && !allowNegative {
		return nil, repository.ErrNegativeBalance
	}
	u.Points = balance
	if delta > 0 {
		u.LowBalanceNotified = nil
	}
	m.db.ledger = append(m.db.ledger, models.PointLog{UserID: userID, Amount: delta, BalanceAfter: balance, Reason: reason})
	return cloneUser(u), nil
}

func (m memUsers) SetBan(ctx context.Context, userID string, reason *string, expiresAt *time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.BanReason, u.BanExpiresAt = reason, expiresAt
	return nil
}

func (m memUsers) MarkLowBalanceNotified(ctx context.Context, userID string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if u, ok := m.db.users[userID]; ok {
		u.LowBalanceNotified = &at
	}
	return nil
}

type memDomains struct {
	db         *memDB
	failCreate error
	failList   error
}

func (m *memDomains) Create(ctx context.Context, d *models.Domain) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, other := range m.db.domains {
		if other.Subdomain == d.Subdomain {
			return repository.ErrDuplicate
		}
	}
	d.CreatedAt = m.db.now()
	m.db.domains[d.ID] = cloneDomain(d)
	return nil
}

func (m *memDomains) GetByID(ctx context.Context, id string) (*models.Domain, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	d, ok := m.db.domains[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDomain(d), nil
}

func (m *memDomains) ListByInstance(ctx context.Context, instanceID string) ([]*models.Domain, error) {
	if m.failList != nil {
		return nil, m.failList
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*models.Domain
	for _, d := range m.db.domains {
		if d.InstanceID == instanceID {
			out = append(out, cloneDomain(d))
		}
	}
	return out, nil
}

func (m *memDomains) SubdomainExists(ctx context.Context, subdomain string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, d := range m.db.domains {
		if d.Subdomain == subdomain {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDomains) CountFreeByUser(ctx context.Context, userID string) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, d := range m.db.domains {
		if d.UserID == userID && !d.IsPaid {
			n++
		}
	}
	return n, nil
}

func (m *memDomains) Delete(ctx context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.domains[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.domains, id)
	return nil
}

type memSnapshots struct {
	db         *memDB
	failCreate error
}

func (m *memSnapshots) Create(ctx context.Context, s *models.Snapshot) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s.CreatedAt = m.db.now()
	m.db.snapshots[s.ID] = cloneSnapshot(s)
	return nil
}

func (m *memSnapshots) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.snapshots[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSnapshot(s), nil
}

func (m *memSnapshots) ListByInstance(ctx context.Context, instanceID string) ([]*models.Snapshot, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*models.Snapshot
	for _, s := range m.db.snapshots {
		if s.InstanceID == instanceID {
			out = append(out, cloneSnapshot(s))
		}
	}
	return out, nil
}

func (m *memSnapshots) CountByInstance(ctx context.Context, instanceID string) (int, error) {
	list, _ := m.ListByInstance(ctx, instanceID)
	return len(list), nil
}

func (m *memSnapshots) SetExportJob(ctx context.Context, id string, jobID *string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if s, ok := m.db.snapshots[id]; ok {
		s.ExportJobID = jobID
	}
	return nil
}

func (m *memSnapshots) Delete(ctx context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.snapshots[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.snapshots, id)
	return nil
}

// memCharges applies charges under the db mutex, like the row locks of the real store
type memCharges struct {
	db           *memDB
	block        chan struct{}
	failNext     error
	beforeCharge func(instanceID string)
}

func (m *memCharges) ChargeInstance(ctx context.Context, instanceID string, decide func(*models.ChargeInput) models.ChargeDecision) (*models.ChargeOutcome, error) {
	if m.block != nil {
		<-m.block
	}
	if m.beforeCharge != nil {
		m.beforeCharge(instanceID)
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return nil, err
	}

	inst, ok := m.db.instances[instanceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	user := m.db.users[inst.UserID]
	paid := 0
	for _, d := range m.db.domains {
		if d.InstanceID == instanceID && d.IsPaid {
			paid++
		}
	}

	dec := decide(&models.ChargeInput{Instance: cloneInstance(inst), User: cloneUser(user), PaidDomains: paid})
	out := &models.ChargeOutcome{UserID: user.ID, InstanceID: inst.ID, BalanceAfter: user.Points}
	if dec.Skip {
		out.Skipped = true
		return out, nil
	}

	user.Points -= dec.Amount
	inst.BillingCarry = dec.Carry
	if dec.Amount > 0 {
		id := inst.ID
		m.db.ledger = append(m.db.ledger, models.PointLog{UserID: user.ID, InstanceID: &id, Amount: -dec.Amount, BalanceAfter: user.Points, Reason: models.PointReasonUsage})
	}
	out.Charged = dec.Amount
	out.BalanceAfter = user.Points
	out.Depleted = dec.Depleted
	return out, nil
}

type memLogs struct {
	mu      sync.Mutex
	actions []string
	entries []*models.InstanceLog
}

func (m *memLogs) LogAction(ctx context.Context, instanceID, action, status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	m.entries = append(m.entries, &models.InstanceLog{InstanceID: instanceID, Action: action, Status: status, Message: message})
	return nil
}

func (m *memLogs) GetByInstanceID(ctx context.Context, instanceID string, limit int) ([]*models.InstanceLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InstanceLog
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].InstanceID == instanceID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// ==================== collaborators ====================

type fakeVM struct {
	state     string
	snapshots map[string]bool
}

type fakeHV struct {
	mu         sync.Mutex
	nextID     int
	vms        map[string]*fakeVM
	fail       map[string]error
	calls      []string
	noIP       bool
	exportDone bool
	exports    int
	statsCalls int
	// 第 N 次查询时任务完成; 0 表示看 exportDone
	exportReadyAfter int
	exportPolls      int
}

func newFakeHV() *fakeHV {
	return &fakeHV{nextID: 100, vms: map[string]*fakeVM{}, fail: map[string]error{}}
}

func (h *fakeHV) record(op, vmid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op+":"+vmid)
	return h.fail[op]
}

func (h *fakeHV) setFail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[op] = err
}

func (h *fakeHV) countCalls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if len(c) > len(op) && c[:len(op)+1] == op+":" {
			n++
		}
	}
	return n
}

func (h *fakeHV) vm(vmid string) *fakeVM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[vmid]
}

func (h *fakeHV) addVM(vmid, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vms[vmid] = &fakeVM{state: state, snapshots: map[string]bool{}}
}

func (h *fakeHV) setState(vmid, state string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.vms[vmid]
	if !ok {
		return fmt.Errorf("vm %s does not exist", vmid)
	}
	vm.state = state
	return nil
}

func (h *fakeHV) CreateVM(ctx context.Context, req *client.CreateVMRequest) (*client.VMHandle, error) {
	if err := h.record("create", req.Name); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.nextID++
	id := fmt.Sprint(h.nextID)
	h.vms[id] = &fakeVM{state: client.VMStateStopped, snapshots: map[string]bool{}}
	h.mu.Unlock()
	return &client.VMHandle{ID: id, Node: "pve"}, nil
}

func (h *fakeHV) Status(ctx context.Context, vmid string) (*client.VMStatus, error) {
	if err := h.record("status", vmid); err != nil {
		return nil, err
	}
	vm := h.vm(vmid)
	if vm == nil {
		return nil, fmt.Errorf("vm %s does not exist", vmid)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := &client.VMStatus{State: vm.state}
	if vm.state == client.VMStateRunning && !h.noIP {
		st.IPAddress = "10.0.0." + vmid
	}
	return st, nil
}

func (h *fakeHV) Start(ctx context.Context, vmid string) error {
	if err := h.record("start", vmid); err != nil {
		return err
	}
	return h.setState(vmid, client.VMStateRunning)
}

func (h *fakeHV) Stop(ctx context.Context, vmid string) error {
	if err := h.record("stop", vmid); err != nil {
		return err
	}
	return h.setState(vmid, client.VMStateStopped)
}

func (h *fakeHV) Reboot(ctx context.Context, vmid string) error {
	if err := h.record("reboot", vmid); err != nil {
		return err
	}
	return h.setState(vmid, client.VMStateRunning)
}

func (h *fakeHV) Destroy(ctx context.Context, vmid string) error {
	if err := h.record("destroy", vmid); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vms, vmid)
	return nil
}

func (h *fakeHV) CreateSnapshot(ctx context.Context, vmid, name, description string) error {
	if err := h.record("snapshot", vmid); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vms[vmid].snapshots[name] = true
	return nil
}

func (h *fakeHV) RollbackSnapshot(ctx context.Context, vmid, name string) error {
	if err := h.record("rollback", vmid); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.vms[vmid].snapshots[name] {
		return fmt.Errorf("snapshot %s does not exist", name)
	}
	return nil
}

func (h *fakeHV) DeleteSnapshot(ctx context.Context, vmid, name string) error {
	if err := h.record("snapshot_delete", vmid); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vms[vmid].snapshots, name)
	return nil
}

func (h *fakeHV) snapshotCount(vmid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vms[vmid].snapshots)
}

func (h *fakeHV) StartExport(ctx context.Context, vmid string) (string, error) {
	if err := h.record("export", vmid); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exports++
	return fmt.Sprintf("UPID:pve:%d", h.exports), nil
}

func (h *fakeHV) ExportStatus(ctx context.Context, vmid, jobID string) (*client.ExportJob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job := &client.ExportJob{JobID: jobID}
	h.exportPolls++
	if h.exportDone || (h.exportReadyAfter > 0 && h.exportPolls >= h.exportReadyAfter) {
		job.Done = true
		job.Artifact = "local:backup/vzdump-qemu-" + vmid + ".vma.zst"
		job.SizeBytes = 1 << 30
	}
	return job, nil
}

func (h *fakeHV) Stats(ctx context.Context, vmid string) (*client.VMStats, error) {
	if err := h.record("stats", vmid); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statsCalls++
	return &client.VMStats{State: client.VMStateRunning, CPUPercent: 12.5, MemUsedBytes: 1 << 29, MemTotalBytes: 1 << 30, UptimeSeconds: 60}, nil
}

type fakeTunnel struct {
	mu         sync.Mutex
	seq        int
	routes     map[string]string
	creates    int
	deletes    []string
	failCreate error
	failDelete error
	failRoute  string // 只让这条路由删除失败; 空表示全部
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{routes: map[string]string{}}
}

func (f *fakeTunnel) CreateRoute(ctx context.Context, req *client.CreateRouteRequest) (*client.RouteInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.seq++
	id := fmt.Sprintf("rt-%d", f.seq)
	f.routes[id] = req.Hostname
	return &client.RouteInfo{ID: id, Hostname: req.Hostname, Target: req.Target, Token: "tok-" + id}, nil
}

func (f *fakeTunnel) DeleteRoute(ctx context.Context, routeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil && (f.failRoute == "" || f.failRoute == routeID) {
		return f.failDelete
	}
	f.deletes = append(f.deletes, routeID)
	delete(f.routes, routeID)
	return nil
}

func (f *fakeTunnel) routeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

type fakeResolver struct {
	answers map[string][]string
}

func (f *fakeResolver) Lookup(ctx context.Context, hostname string) ([]string, error) {
	return f.answers[hostname], nil
}

type sentMail struct{ to, subject, body string }

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

func (f *fakeMailer) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.subject)
	}
	return out
}

// ==================== harness ====================

const testCatalog = `
templates:
  - name: small
    hypervisor_template: "9000"
    vcpu: 2
    ram_mb: 2048
    storage_gb: 20
    points_per_day: "12"
  - name: free
    hypervisor_template: "9001"
    vcpu: 1
    ram_mb: 512
    storage_gb: 5
    points_per_day: "0"
    max_snapshots: 1
`

type harness struct {
	t         *testing.T
	cfg       *config.Config
	clock     *clock.Fake
	db        *memDB
	domainDB  *memDomains
	snapDB    *memSnapshots
	charges   *memCharges
	logs      *memLogs
	hv        *fakeHV
	tunnel    *fakeTunnel
	resolver  *fakeResolver
	mail      *fakeMailer
	locker    *lock.MemoryLocker
	notifier  *Notifier
	instances *InstanceService
	billing   *BillingService
	snapshots *SnapshotService
	domains   *DomainService
	accounts  *AccountService
}

func testConfig() *config.Config {
	return &config.Config{
		Tunnel: config.TunnelConfig{BaseDomain: "apps.test"},
		Billing: config.BillingConfig{
			TickInterval:           time.Minute,
			PaidDomainPointsPerDay: models.WholePoints(2),
			LowBalanceDays:         1,
		},
		Provisioning: config.ProvisioningConfig{
			Timeout:      10 * time.Minute,
			PollInterval: 5 * time.Second,
			OpTimeout:    2 * time.Second,
			StatsTTL:     5 * time.Second,
		},
		Snapshot: config.SnapshotConfig{DefaultQuota: 3, ExportWait: 50 * time.Millisecond},
		Limits: config.LimitsConfig{
			MaxInstancesPerUser:   5,
			MaxDomainsPerInstance: 10,
			FreeDomainLimit:       3,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cat, err := config.ParseCatalog([]byte(testCatalog), 3)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}

	h := &harness{
		t:        t,
		cfg:      testConfig(),
		clock:    clock.NewFake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		logs:     &memLogs{},
		hv:       newFakeHV(),
		tunnel:   newFakeTunnel(),
		resolver: &fakeResolver{answers: map[string][]string{}},
		mail:     &fakeMailer{},
		locker:   lock.NewMemoryLocker(),
	}
	h.db = newMemDB(h.clock.Now)
	h.domainDB = &memDomains{db: h.db}
	h.snapDB = &memSnapshots{db: h.db}
	h.charges = &memCharges{db: h.db}
	h.notifier = NewNotifier(h.mail)
	h.notifier.async = false

	users := memUsers{db: h.db}
	instances := memInstances{db: h.db}
	h.instances = NewInstanceService(h.cfg, cat, instances, users, h.domainDB, h.logs, h.hv, h.tunnel, h.locker, h.clock, nil)
	h.billing = NewBillingService(h.cfg, instances, users, h.domainDB, h.charges, h.instances, h.notifier, h.clock, nil)
	h.snapshots = NewSnapshotService(h.instances, h.snapDB)
	h.snapshots.exportPoll = 5 * time.Millisecond
	h.domains = NewDomainService(h.instances, users, h.domainDB, h.tunnel, h.resolver)
	h.accounts = NewAccountService(users, h.billing, h.notifier)
	return h
}

// export runs Export while walking the fake clock one poll interval at a time
func (h *harness) export(ctx context.Context, u *models.User, instanceID, snapshotID string) (*models.ExportResponse, error) {
	type result struct {
		resp *models.ExportResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.snapshots.Export(ctx, u, instanceID, snapshotID)
		done <- result{resp, err}
	}()
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-time.After(time.Millisecond):
			h.clock.Advance(h.snapshots.exportPoll)
		}
	}
}

func (h *harness) addUser(id, points string) *models.User {
	u := &models.User{
		ID:     id,
		Email:  id + "@example.com",
		Points: models.MustParsePoints(points),
		Role:   models.RoleUser,
	}
	h.db.mu.Lock()
	h.db.users[id] = cloneUser(u)
	h.db.mu.Unlock()
	return u
}

func (h *harness) addAdmin(id string) *models.User {
	u := h.addUser(id, "0")
	u.Role = models.RoleAdmin
	h.db.mu.Lock()
	h.db.users[id].Role = models.RoleAdmin
	h.db.mu.Unlock()
	return u
}

// addInstance inserts an instance with a backing VM in the given status
func (h *harness) addInstance(owner *models.User, name, status string, pointsPerDay string) *models.Instance {
	h.db.mu.Lock()
	vmid := fmt.Sprint(200 + len(h.db.instances))
	h.db.mu.Unlock()

	ip := "10.0.0." + vmid
	now := h.clock.Now()
	inst := &models.Instance{
		ID:              "inst-" + name,
		UserID:          owner.ID,
		Name:            name,
		Template:        "small",
		HypervisorID:    &vmid,
		Node:            "pve",
		VCPU:            2,
		RAMMB:           2048,
		StorageGB:       20,
		PointsPerDay:    models.MustParsePoints(pointsPerDay),
		Status:          status,
		IPAddress:       &ip,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}
	h.db.mu.Lock()
	h.db.instances[inst.ID] = cloneInstance(inst)
	h.db.mu.Unlock()

	state := client.VMStateStopped
	if status == models.StatusOnline {
		state = client.VMStateRunning
	}
	h.hv.addVM(vmid, state)
	return inst
}

func (h *harness) instance(id string) *models.Instance {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	inst, ok := h.db.instances[id]
	if !ok {
		return nil
	}
	return cloneInstance(inst)
}

func (h *harness) balance(userID string) models.Points {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.users[userID].Points
}

func (h *harness) setBalance(userID string, p models.Points) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.db.users[userID].Points = p
}

func (h *harness) countDomains() int {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return len(h.db.domains)
}

func (h *harness) countSnapshots() int {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return len(h.db.snapshots)
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}
