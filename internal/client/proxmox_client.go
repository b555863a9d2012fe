package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxmoxClient drives a Proxmox VE node through its REST API
type ProxmoxClient struct {
	baseURL       string
	tokenID       string
	tokenSecret   string
	node          string
	backupStorage string
	httpClient    *http.Client
	taskPoll      time.Duration
}

// NewProxmoxClient creates a new Proxmox client
func NewProxmoxClient(baseURL, tokenID, tokenSecret, node, backupStorage string) *ProxmoxClient {
	return &ProxmoxClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		tokenID:       tokenID,
		tokenSecret:   tokenSecret,
		node:          node,
		backupStorage: backupStorage,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		taskPoll: time.Second,
	}
}

// proxmox 所有响应都包在 {"data": ...} 里
type pveEnvelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors,omitempty"`
}

type pveStatusCurrent struct {
	Status  string  `json:"status"`
	Uptime  int64   `json:"uptime"`
	CPU     float64 `json:"cpu"`
	Mem     uint64  `json:"mem"`
	MaxMem  uint64  `json:"maxmem"`
	Disk    uint64  `json:"disk"`
	MaxDisk uint64  `json:"maxdisk"`
	Lock    string  `json:"lock,omitempty"`
}

type pveInterfaces struct {
	Result []struct {
		Name        string `json:"name"`
		IPAddresses []struct {
			Type    string `json:"ip-address-type"`
			Address string `json:"ip-address"`
		} `json:"ip-addresses"`
	} `json:"result"`
}

type pveTaskStatus struct {
	Status     string `json:"status"` // running, stopped
	ExitStatus string `json:"exitstatus,omitempty"`
}

type pveBackupVolume struct {
	VolID string `json:"volid"`
	Size  int64  `json:"size"`
	CTime int64  `json:"ctime"`
	VMID  int    `json:"vmid"`
}

func (c *ProxmoxClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	target := c.baseURL + "/api2/json" + path
	if form != nil {
		if method == http.MethodGet || method == http.MethodDelete {
			target += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "PVEAPIToken="+c.tokenID+"="+c.tokenSecret)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxmox returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}

	var env pveEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// doTask issues a request that returns a task UPID and waits for the task to finish
func (c *ProxmoxClient) doTask(ctx context.Context, method, path string, form url.Values) error {
	var upid string
	if err := c.do(ctx, method, path, form, &upid); err != nil {
		return err
	}
	if upid == "" {
		return nil
	}
	return c.waitTask(ctx, upid)
}

func (c *ProxmoxClient) taskStatus(ctx context.Context, upid string) (*pveTaskStatus, error) {
	var st pveTaskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", c.node, url.PathEscape(upid))
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// waitTask polls a task until it stops or ctx expires
func (c *ProxmoxClient) waitTask(ctx context.Context, upid string) error {
	for {
		st, err := c.taskStatus(ctx, upid)
		if err != nil {
			return err
		}
		if st.Status == "stopped" {
			if st.ExitStatus != "OK" {
				return fmt.Errorf("task %s failed: %s", upid, st.ExitStatus)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait task %s: %w", upid, ctx.Err())
		case <-time.After(c.taskPoll):
		}
	}
}

func (c *ProxmoxClient) vmPath(vmid string) string {
	return fmt.Sprintf("/nodes/%s/qemu/%s", c.node, vmid)
}

// CreateVM clones the template into a new VM and sizes it
func (c *ProxmoxClient) CreateVM(ctx context.Context, req *CreateVMRequest) (*VMHandle, error) {
	log.Printf("[ProxmoxClient] Creating VM %s from template %s", req.Name, req.Template)

	var nextID json.Number
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &nextID); err != nil {
		return nil, fmt.Errorf("allocate vmid: %w", err)
	}
	vmid := nextID.String()

	clone := url.Values{}
	clone.Set("newid", vmid)
	clone.Set("name", req.Name)
	clone.Set("full", "1")
	if err := c.doTask(ctx, http.MethodPost, c.vmPath(req.Template)+"/clone", clone); err != nil {
		return nil, fmt.Errorf("clone template: %w", err)
	}

	cfg := url.Values{}
	cfg.Set("cores", strconv.Itoa(req.VCPU))
	cfg.Set("memory", strconv.Itoa(req.RAMMB))
	if err := c.do(ctx, http.MethodPut, c.vmPath(vmid)+"/config", cfg, nil); err != nil {
		return &VMHandle{ID: vmid, Node: c.node}, fmt.Errorf("configure vm: %w", err)
	}

	if req.StorageGB > 0 {
		resize := url.Values{}
		resize.Set("disk", "scsi0")
		resize.Set("size", fmt.Sprintf("%dG", req.StorageGB))
		if err := c.do(ctx, http.MethodPut, c.vmPath(vmid)+"/resize", resize, nil); err != nil {
			return &VMHandle{ID: vmid, Node: c.node}, fmt.Errorf("resize disk: %w", err)
		}
	}

	log.Printf("[ProxmoxClient] VM created: %s (node: %s)", vmid, c.node)
	return &VMHandle{ID: vmid, Node: c.node}, nil
}

// Status reports the power state and the first non-loopback IPv4 of a VM
func (c *ProxmoxClient) Status(ctx context.Context, vmid string) (*VMStatus, error) {
	var cur pveStatusCurrent
	if err := c.do(ctx, http.MethodGet, c.vmPath(vmid)+"/status/current", nil, &cur); err != nil {
		return nil, err
	}

	st := &VMStatus{UptimeSeconds: cur.Uptime}
	switch {
	case cur.Lock == "clone" || cur.Lock == "create":
		st.State = VMStateCreating
	case cur.Status == "running":
		st.State = VMStateRunning
	case cur.Status == "stopped":
		st.State = VMStateStopped
	default:
		st.State = VMStateUnknown
	}

	if st.State == VMStateRunning {
		// guest agent 尚未就绪时拿不到地址，下次轮询再试
		st.IPAddress, _ = c.guestAddress(ctx, vmid)
	}
	return st, nil
}

func (c *ProxmoxClient) guestAddress(ctx context.Context, vmid string) (string, error) {
	var ifaces pveInterfaces
	if err := c.do(ctx, http.MethodGet, c.vmPath(vmid)+"/agent/network-get-interfaces", nil, &ifaces); err != nil {
		return "", err
	}
	for _, iface := range ifaces.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type == "ipv4" && !strings.HasPrefix(addr.Address, "127.") {
				return addr.Address, nil
			}
		}
	}
	return "", nil
}

// Start powers a VM on
func (c *ProxmoxClient) Start(ctx context.Context, vmid string) error {
	log.Printf("[ProxmoxClient] Starting VM %s", vmid)
	return c.doTask(ctx, http.MethodPost, c.vmPath(vmid)+"/status/start", url.Values{})
}

// Stop powers a VM off
func (c *ProxmoxClient) Stop(ctx context.Context, vmid string) error {
	log.Printf("[ProxmoxClient] Stopping VM %s", vmid)
	return c.doTask(ctx, http.MethodPost, c.vmPath(vmid)+"/status/stop", url.Values{})
}

// Reboot power-cycles a running VM
func (c *ProxmoxClient) Reboot(ctx context.Context, vmid string) error {
	log.Printf("[ProxmoxClient] Rebooting VM %s", vmid)
	return c.doTask(ctx, http.MethodPost, c.vmPath(vmid)+"/status/reboot", url.Values{})
}

// Destroy deletes a VM together with its disks
func (c *ProxmoxClient) Destroy(ctx context.Context, vmid string) error {
	log.Printf("[ProxmoxClient] Destroying VM %s", vmid)
	q := url.Values{}
	q.Set("purge", "1")
	q.Set("destroy-unreferenced-disks", "1")
	return c.doTask(ctx, http.MethodDelete, c.vmPath(vmid), q)
}

// CreateSnapshot takes a named snapshot
func (c *ProxmoxClient) CreateSnapshot(ctx context.Context, vmid, name, description string) error {
	log.Printf("[ProxmoxClient] Creating snapshot %s of VM %s", name, vmid)
	form := url.Values{}
	form.Set("snapname", name)
	if description != "" {
		form.Set("description", description)
	}
	return c.doTask(ctx, http.MethodPost, c.vmPath(vmid)+"/snapshot", form)
}

// RollbackSnapshot reverts a VM to a snapshot
func (c *ProxmoxClient) RollbackSnapshot(ctx context.Context, vmid, name string) error {
	log.Printf("[ProxmoxClient] Rolling back VM %s to snapshot %s", vmid, name)
	return c.doTask(ctx, http.MethodPost, c.vmPath(vmid)+"/snapshot/"+url.PathEscape(name)+"/rollback", url.Values{})
}

// DeleteSnapshot removes a snapshot
func (c *ProxmoxClient) DeleteSnapshot(ctx context.Context, vmid, name string) error {
	log.Printf("[ProxmoxClient] Deleting snapshot %s of VM %s", name, vmid)
	return c.doTask(ctx, http.MethodDelete, c.vmPath(vmid)+"/snapshot/"+url.PathEscape(name), nil)
}

// StartExport starts a vzdump backup and returns the task UPID without waiting
func (c *ProxmoxClient) StartExport(ctx context.Context, vmid string) (string, error) {
	log.Printf("[ProxmoxClient] Starting backup of VM %s to %s", vmid, c.backupStorage)
	form := url.Values{}
	form.Set("vmid", vmid)
	form.Set("storage", c.backupStorage)
	form.Set("mode", "snapshot")
	form.Set("compress", "zstd")

	var upid string
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/vzdump", c.node), form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// ExportStatus checks a backup task; once done it resolves the newest backup volume
func (c *ProxmoxClient) ExportStatus(ctx context.Context, vmid, jobID string) (*ExportJob, error) {
	st, err := c.taskStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job := &ExportJob{JobID: jobID}
	if st.Status != "stopped" {
		return job, nil
	}
	if st.ExitStatus != "OK" {
		return nil, fmt.Errorf("backup task failed: %s", st.ExitStatus)
	}

	q := url.Values{}
	q.Set("content", "backup")
	q.Set("vmid", vmid)

	var volumes []pveBackupVolume
	path := fmt.Sprintf("/nodes/%s/storage/%s/content", c.node, c.backupStorage)
	if err := c.do(ctx, http.MethodGet, path, q, &volumes); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var newest *pveBackupVolume
	for i := range volumes {
		if newest == nil || volumes[i].CTime > newest.CTime {
			newest = &volumes[i]
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("backup task finished but no backup volume found for vm %s", vmid)
	}

	job.Done = true
	job.Artifact = newest.VolID
	job.SizeBytes = newest.Size
	return job, nil
}

// Stats samples live resource usage
func (c *ProxmoxClient) Stats(ctx context.Context, vmid string) (*VMStats, error) {
	var cur pveStatusCurrent
	if err := c.do(ctx, http.MethodGet, c.vmPath(vmid)+"/status/current", nil, &cur); err != nil {
		return nil, err
	}

	stats := &VMStats{
		State:          VMStateStopped,
		CPUPercent:     cur.CPU * 100,
		MemUsedBytes:   cur.Mem,
		MemTotalBytes:  cur.MaxMem,
		DiskUsedBytes:  cur.Disk,
		DiskTotalBytes: cur.MaxDisk,
		UptimeSeconds:  cur.Uptime,
	}
	if cur.Status == "running" {
		stats.State = VMStateRunning
		stats.IPAddress, _ = c.guestAddress(ctx, vmid)
	}
	return stats, nil
}
