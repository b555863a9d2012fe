package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type pveFake struct {
	mu       sync.Mutex
	calls    []string
	taskExit string
	running  bool
}

func (f *pveFake) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "PVEAPIToken=root@pam!ci=secret" {
			t.Errorf("Authorization = %q", got)
		}

		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, "/api2/json")
		var data interface{}
		switch {
		case path == "/cluster/nextid":
			data = "105"
		case strings.HasSuffix(path, "/clone"):
			if err := r.ParseForm(); err != nil {
				t.Error(err)
			}
			if r.PostForm.Get("newid") != "105" || r.PostForm.Get("full") != "1" {
				t.Errorf("clone form = %v", r.PostForm)
			}
			data = "UPID:pve:clone"
		case strings.Contains(path, "/tasks/"):
			exit := f.taskExit
			if exit == "" {
				exit = "OK"
			}
			data = map[string]string{"status": "stopped", "exitstatus": exit}
		case strings.HasSuffix(path, "/status/current"):
			status := "stopped"
			if f.running {
				status = "running"
			}
			data = map[string]interface{}{"status": status, "uptime": 42, "cpu": 0.25, "mem": 512, "maxmem": 1024}
		case strings.HasSuffix(path, "/agent/network-get-interfaces"):
			data = map[string]interface{}{"result": []interface{}{
				map[string]interface{}{"name": "lo", "ip-addresses": []interface{}{
					map[string]string{"ip-address-type": "ipv4", "ip-address": "127.0.0.1"},
				}},
				map[string]interface{}{"name": "eth0", "ip-addresses": []interface{}{
					map[string]string{"ip-address-type": "ipv6", "ip-address": "fe80::1"},
					map[string]string{"ip-address-type": "ipv4", "ip-address": "10.0.0.15"},
				}},
			}}
		case strings.HasSuffix(path, "/status/start"), strings.HasSuffix(path, "/status/stop"):
			data = "UPID:pve:power"
		default:
			data = nil
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})
}

func newTestProxmox(t *testing.T, f *pveFake) *ProxmoxClient {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := NewProxmoxClient(srv.URL, "root@pam!ci", "secret", "pve", "local")
	c.taskPoll = time.Millisecond
	return c
}

func TestProxmoxCreateVM(t *testing.T) {
	f := &pveFake{}
	c := newTestProxmox(t, f)

	handle, err := c.CreateVM(context.Background(), &CreateVMRequest{
		Name: "web", Template: "9000", VCPU: 2, RAMMB: 2048, StorageGB: 20,
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if handle.ID != "105" || handle.Node != "pve" {
		t.Errorf("handle = %+v", handle)
	}

	want := []string{
		"GET /api2/json/cluster/nextid",
		"POST /api2/json/nodes/pve/qemu/9000/clone",
		"GET /api2/json/nodes/pve/tasks/UPID:pve:clone/status",
		"PUT /api2/json/nodes/pve/qemu/105/config",
		"PUT /api2/json/nodes/pve/qemu/105/resize",
	}
	if strings.Join(f.calls, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls:\n%s\nwant:\n%s", strings.Join(f.calls, "\n"), strings.Join(want, "\n"))
	}
}

func TestProxmoxTaskFailure(t *testing.T) {
	f := &pveFake{taskExit: "clone failed: no space"}
	c := newTestProxmox(t, f)

	_, err := c.CreateVM(context.Background(), &CreateVMRequest{Name: "web", Template: "9000", VCPU: 1, RAMMB: 512})
	if err == nil || !strings.Contains(err.Error(), "no space") {
		t.Fatalf("CreateVM err = %v, want task failure", err)
	}
}

func TestProxmoxStatusRunning(t *testing.T) {
	f := &pveFake{running: true}
	c := newTestProxmox(t, f)

	st, err := c.Status(context.Background(), "105")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != VMStateRunning {
		t.Errorf("State = %s", st.State)
	}
	if st.IPAddress != "10.0.0.15" {
		t.Errorf("IPAddress = %q", st.IPAddress)
	}
	if st.UptimeSeconds != 42 {
		t.Errorf("UptimeSeconds = %d", st.UptimeSeconds)
	}
}

func TestProxmoxStats(t *testing.T) {
	f := &pveFake{running: true}
	c := newTestProxmox(t, f)

	stats, err := c.Stats(context.Background(), "105")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CPUPercent != 25 || stats.MemUsedBytes != 512 || stats.MemTotalBytes != 1024 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProxmoxErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Configuration file 'nodes/pve/qemu-server/999.conf' does not exist", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewProxmoxClient(srv.URL, "id", "secret", "pve", "local")
	if err := c.Start(context.Background(), "999"); err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("Start err = %v", err)
	}
}
