package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
)

// localDialer dials the libvirt daemon over its unix socket
type localDialer struct {
	socketPath string
}

func (d *localDialer) Dial() (net.Conn, error) {
	return net.DialTimeout("unix", d.socketPath, 2*time.Second)
}

// wire remembers the socket it dialed so a hung call can cut it
type wire struct {
	socket.Dialer

	mu   sync.Mutex
	conn net.Conn
	dead bool
}

func (w *wire) Dial() (net.Conn, error) {
	conn, err := w.Dialer.Dial()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return conn, nil
}

// cut closes the socket; go-libvirt then fails pending calls and reports itself disconnected
func (w *wire) cut() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead = true
	if w.conn != nil {
		w.conn.Close()
	}
}

func (w *wire) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// LibvirtClient drives a local libvirt daemon through its RPC protocol.
// VMs are libvirt domains named after the instance; disks are cloned from a base volume.
type LibvirtClient struct {
	dialer      socket.Dialer
	storagePool string
	network     string

	mu   sync.Mutex
	conn *libvirt.Libvirt

	wireMu sync.Mutex
	wire   *wire
}

// NewLibvirtClient creates a new libvirt client; the connection is opened lazily
func NewLibvirtClient(socketPath, storagePool, network string) *LibvirtClient {
	return newLibvirtClient(&localDialer{socketPath: socketPath}, storagePool, network)
}

func newLibvirtClient(dialer socket.Dialer, storagePool, network string) *LibvirtClient {
	return &LibvirtClient{
		dialer:      dialer,
		storagePool: storagePool,
		network:     network,
	}
}

func (c *LibvirtClient) getConn() (*libvirt.Libvirt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wireMu.Lock()
	current := c.wire
	c.wireMu.Unlock()
	// go-libvirt notices a cut socket asynchronously, so check the wire too
	if c.conn != nil && current.alive() && c.conn.IsConnected() {
		return c.conn, nil
	}

	w := &wire{Dialer: c.dialer}
	c.wireMu.Lock()
	c.wire = w
	c.wireMu.Unlock()

	l := libvirt.NewWithDialer(w)
	if err := l.Connect(); err != nil {
		w.cut()
		return nil, fmt.Errorf("failed to connect to libvirt rpc: %w", err)
	}

	c.conn = l
	return c.conn, nil
}

// Close disconnects from libvirt
func (c *LibvirtClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

// call runs fn against the shared connection. libvirt RPCs take no context,
// so when ctx ends first the socket is cut: the stuck RPC fails and the next call redials.
func (c *LibvirtClient) call(ctx context.Context, fn func(l *libvirt.Libvirt) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		l, err := c.getConn()
		if err != nil {
			done <- err
			return
		}
		done <- fn(l)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Printf("[LibvirtClient] Call abandoned, dropping connection: %v", ctx.Err())
		c.wireMu.Lock()
		w := c.wire
		c.wireMu.Unlock()
		if w != nil {
			w.cut()
		}
		return fmt.Errorf("libvirt call: %w", ctx.Err())
	}
}

func lookupDomain(l *libvirt.Libvirt, vmid string) (libvirt.Domain, error) {
	dom, err := l.DomainLookupByName(vmid)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("lookup domain %s: %w", vmid, err)
	}
	return dom, nil
}

func hasErrorCode(err error, code libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(code)
}

const volumeXML = `<volume>
  <name>%s.qcow2</name>
  <capacity unit="G">%d</capacity>
  <target><format type="qcow2"/></target>
</volume>`

const domainXML = `<domain type="kvm">
  <name>%s</name>
  <memory unit="MiB">%d</memory>
  <vcpu>%d</vcpu>
  <os><type arch="x86_64">hvm</type><boot dev="hd"/></os>
  <features><acpi/><apic/></features>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="%s"/>
      <target dev="vda" bus="virtio"/>
    </disk>
    <interface type="network">
      <source network="%s"/>
      <model type="virtio"/>
    </interface>
    <channel type="unix">
      <target type="virtio" name="org.qemu.guest_agent.0"/>
    </channel>
    <console type="pty"/>
  </devices>
</domain>`

// CreateVM clones the base volume and defines a domain on it
func (c *LibvirtClient) CreateVM(ctx context.Context, req *CreateVMRequest) (*VMHandle, error) {
	log.Printf("[LibvirtClient] Creating domain %s from volume %s", req.Name, req.Template)

	err := c.call(ctx, func(l *libvirt.Libvirt) error {
		pool, err := l.StoragePoolLookupByName(c.storagePool)
		if err != nil {
			return fmt.Errorf("lookup storage pool: %w", err)
		}
		base, err := l.StorageVolLookupByName(pool, req.Template)
		if err != nil {
			return fmt.Errorf("lookup base volume: %w", err)
		}

		vol, err := l.StorageVolCreateXMLFrom(pool, fmt.Sprintf(volumeXML, xmlEscape(req.Name), req.StorageGB), base, 0)
		if err != nil {
			return fmt.Errorf("clone volume: %w", err)
		}
		path, err := l.StorageVolGetPath(vol)
		if err == nil {
			xml := fmt.Sprintf(domainXML, xmlEscape(req.Name), req.RAMMB, req.VCPU, xmlEscape(path), xmlEscape(c.network))
			if _, err = l.DomainDefineXMLFlags(xml, 0); err != nil {
				err = fmt.Errorf("define domain: %w", err)
			}
		} else {
			err = fmt.Errorf("volume path: %w", err)
		}
		if err != nil {
			if delErr := l.StorageVolDelete(vol, 0); delErr != nil {
				log.Printf("[LibvirtClient] Failed to remove volume of undefined domain %s: %v", req.Name, delErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[LibvirtClient] Domain defined: %s", req.Name)
	return &VMHandle{ID: req.Name, Node: "libvirt"}, nil
}

func domainStateName(state int32) string {
	switch libvirt.DomainState(state) {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return VMStateRunning
	case libvirt.DomainShutoff, libvirt.DomainShutdown:
		return VMStateStopped
	case libvirt.DomainCrashed:
		return VMStateFailed
	default:
		return VMStateUnknown
	}
}

// Status reports the domain state and its leased IPv4 address
func (c *LibvirtClient) Status(ctx context.Context, vmid string) (*VMStatus, error) {
	st := &VMStatus{}
	err := c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		state, _, err := l.DomainGetState(dom, 0)
		if err != nil {
			return fmt.Errorf("get domain state: %w", err)
		}
		st.State = domainStateName(state)
		if st.State == VMStateRunning {
			st.IPAddress = leasedAddress(l, dom)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func leasedAddress(l *libvirt.Libvirt, dom libvirt.Domain) string {
	ifaces, err := l.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == int32(libvirt.IPAddrTypeIpv4) {
				return addr.Addr
			}
		}
	}
	return ""
}

// Start boots a defined domain
func (c *LibvirtClient) Start(ctx context.Context, vmid string) error {
	log.Printf("[LibvirtClient] Starting domain %s", vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		_, err = l.DomainCreateWithFlags(dom, 0)
		return err
	})
}

// Stop hard powers off a domain
func (c *LibvirtClient) Stop(ctx context.Context, vmid string) error {
	log.Printf("[LibvirtClient] Stopping domain %s", vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		return l.DomainDestroyFlags(dom, libvirt.DomainDestroyDefault)
	})
}

// Reboot resets a running domain
func (c *LibvirtClient) Reboot(ctx context.Context, vmid string) error {
	log.Printf("[LibvirtClient] Rebooting domain %s", vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		return l.DomainReboot(dom, 0)
	})
}

// Destroy powers off, undefines the domain and deletes its volume
func (c *LibvirtClient) Destroy(ctx context.Context, vmid string) error {
	log.Printf("[LibvirtClient] Destroying domain %s", vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}

		if state, _, err := l.DomainGetState(dom, 0); err == nil && domainStateName(state) == VMStateRunning {
			if err := l.DomainDestroyFlags(dom, libvirt.DomainDestroyDefault); err != nil {
				return fmt.Errorf("power off domain: %w", err)
			}
		}

		flags := libvirt.DomainUndefineManagedSave | libvirt.DomainUndefineSnapshotsMetadata | libvirt.DomainUndefineNvram
		if err := l.DomainUndefineFlags(dom, flags); err != nil {
			return fmt.Errorf("undefine domain: %w", err)
		}

		pool, err := l.StoragePoolLookupByName(c.storagePool)
		if err != nil {
			return fmt.Errorf("lookup storage pool: %w", err)
		}
		vol, err := l.StorageVolLookupByName(pool, vmid+".qcow2")
		if hasErrorCode(err, libvirt.ErrNoStorageVol) {
			// 卷已不存在
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup volume: %w", err)
		}
		if err := l.StorageVolDelete(vol, 0); err != nil {
			return fmt.Errorf("delete volume: %w", err)
		}
		return nil
	})
}

// CreateSnapshot takes an internal qcow2 snapshot
func (c *LibvirtClient) CreateSnapshot(ctx context.Context, vmid, name, description string) error {
	log.Printf("[LibvirtClient] Creating snapshot %s of domain %s", name, vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		xml := fmt.Sprintf("<domainsnapshot><name>%s</name><description>%s</description></domainsnapshot>",
			xmlEscape(name), xmlEscape(description))
		_, err = l.DomainSnapshotCreateXML(dom, xml, 0)
		return err
	})
}

// RollbackSnapshot reverts a domain to a snapshot
func (c *LibvirtClient) RollbackSnapshot(ctx context.Context, vmid, name string) error {
	log.Printf("[LibvirtClient] Rolling back domain %s to snapshot %s", vmid, name)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		snap, err := l.DomainSnapshotLookupByName(dom, name, 0)
		if err != nil {
			return fmt.Errorf("lookup snapshot: %w", err)
		}
		return l.DomainRevertToSnapshot(snap, 0)
	})
}

// DeleteSnapshot removes a snapshot
func (c *LibvirtClient) DeleteSnapshot(ctx context.Context, vmid, name string) error {
	log.Printf("[LibvirtClient] Deleting snapshot %s of domain %s", name, vmid)
	return c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}
		snap, err := l.DomainSnapshotLookupByName(dom, name, 0)
		if err != nil {
			return fmt.Errorf("lookup snapshot: %w", err)
		}
		return l.DomainSnapshotDelete(snap, 0)
	})
}

// StartExport is not available on plain libvirt
func (c *LibvirtClient) StartExport(ctx context.Context, vmid string) (string, error) {
	return "", ErrExportUnsupported
}

// ExportStatus is not available on plain libvirt
func (c *LibvirtClient) ExportStatus(ctx context.Context, vmid, jobID string) (*ExportJob, error) {
	return nil, ErrExportUnsupported
}

// Stats samples memory and disk usage; CPU is derived from two cpu time readings
func (c *LibvirtClient) Stats(ctx context.Context, vmid string) (*VMStats, error) {
	stats := &VMStats{}
	err := c.call(ctx, func(l *libvirt.Libvirt) error {
		dom, err := lookupDomain(l, vmid)
		if err != nil {
			return err
		}

		state, maxMem, mem, nrVirtCPU, cpuTime1, err := l.DomainGetInfo(dom)
		if err != nil {
			return fmt.Errorf("get domain info: %w", err)
		}
		stats.State = domainStateName(int32(state))
		stats.MemUsedBytes = mem * 1024
		stats.MemTotalBytes = maxMem * 1024

		if stats.State == VMStateRunning {
			const sample = 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sample):
			}
			if _, _, _, _, cpuTime2, err := l.DomainGetInfo(dom); err == nil && nrVirtCPU > 0 && cpuTime2 >= cpuTime1 {
				// cpu time 单位是纳秒
				stats.CPUPercent = float64(cpuTime2-cpuTime1) / float64(sample.Nanoseconds()) / float64(nrVirtCPU) * 100
			}
			stats.IPAddress = leasedAddress(l, dom)
		}

		pool, err := l.StoragePoolLookupByName(c.storagePool)
		if err == nil {
			if vol, err := l.StorageVolLookupByName(pool, vmid+".qcow2"); err == nil {
				if _, capacity, allocation, err := l.StorageVolGetInfo(vol); err == nil {
					stats.DiskTotalBytes = capacity
					stats.DiskUsedBytes = allocation
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
