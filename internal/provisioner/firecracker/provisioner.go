// Package firecracker provisions workers as Firecracker microVMs. Each VM
// boots a per-tag rootfs whose init is the funclite agent; the control plane
// reaches it over vsock with length-prefixed JSON frames.
package firecracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/funclite/internal/guest"
	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
)

const (
	bootArgs    = "console=ttyS0 reboot=k panic=1 pci=off init=" + AgentPath
	stopTimeout = 3 * time.Second
)

var _ provisioner.Provisioner = (*Provisioner)(nil)

// vm is one running worker.
type vm struct {
	info    provisioner.WorkerInfo
	machine *fcsdk.Machine
	cid     uint32
	dir     string
}

// Provisioner implements provisioner.Provisioner on Firecracker.
type Provisioner struct {
	cfg    Config
	net    *network
	marks  provisioner.MarkStore
	slots  *semaphore.Weighted
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vm

	cidMu   sync.Mutex
	cidNext uint32
	cids    map[uint32]bool
}

// New builds a provisioner. marks persists in-use flags, which Firecracker
// has nowhere to keep.
func New(cfg Config, marks provisioner.MarkStore, logger *slog.Logger) (*Provisioner, error) {
	cfg = cfg.withDefaults()
	net, err := newNetwork(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Provisioner{
		cfg:     cfg,
		net:     net,
		marks:   marks,
		slots:   semaphore.NewWeighted(int64(cfg.MaxVMs)),
		logger:  logger,
		vms:     make(map[string]*vm),
		cidNext: minCID,
		cids:    make(map[uint32]bool),
	}, nil
}

// Verify checks host prerequisites and installs the CNI conflist.
func (p *Provisioner) Verify() error {
	if err := p.net.verify(); err != nil {
		return err
	}
	for _, path := range []string{p.cfg.KernelPath, p.cfg.RootfsDir} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("firecracker prerequisite: %w", err)
		}
	}
	return p.net.writeConfList()
}

func (p *Provisioner) CreateWorker(ctx context.Context, spec provisioner.WorkerSpec) (provisioner.WorkerInfo, error) {
	if !p.slots.TryAcquire(1) {
		return provisioner.WorkerInfo{}, fmt.Errorf("%w: %d microVMs already running", provisioner.ErrProvisioning, p.cfg.MaxVMs)
	}

	id := spec.Name
	if id == "" {
		id = model.NewName(string(spec.Tag))
	}

	v, err := p.boot(ctx, id, spec)
	if err != nil {
		p.slots.Release(1)
		return provisioner.WorkerInfo{}, fmt.Errorf("%w: create worker %s: %w", provisioner.ErrProvisioning, id, err)
	}

	p.mu.Lock()
	p.vms[id] = v
	p.mu.Unlock()
	runningVMs.Inc()

	p.logger.Info("microVM started", "worker_id", id, "tag", spec.Tag, "cid", v.cid)
	return v.info, nil
}

// boot starts the VM and waits for its agent. Everything acquired is
// released again on failure.
func (p *Provisioner) boot(ctx context.Context, id string, spec provisioner.WorkerSpec) (_ *vm, err error) {
	image, err := p.cfg.rootfsFor(spec.Tag)
	if err != nil {
		return nil, err
	}

	cid, err := p.allocateCID()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.releaseCID(cid)
		}
	}()

	l, err := p.net.attach(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.detach(id)
		}
	}()

	dir, err := os.MkdirTemp("", "funclite-vm-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create VM dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	rootfs := filepath.Join(dir, "rootfs.ext4")
	if out, err := exec.CommandContext(ctx, "cp", "--reflink=auto", image, rootfs).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("copy rootfs %s: %s: %w", image, out, err)
	}

	socket := filepath.Join(dir, "api.sock")
	vsock := filepath.Join(dir, "vsock.sock")
	vcpus := orDefault(spec.CPUs, p.cfg.VCPUs)
	mem := orDefault(spec.MemMB, p.cfg.MemMB)

	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM must outlive the request that created it.
	vmmCtx := context.WithoutCancel(ctx)
	machine, err := fcsdk.NewMachine(vmmCtx, fcsdk.Config{
		SocketPath:      socket,
		KernelImagePath: p.cfg.KernelPath,
		KernelArgs:      kernelArgs(spec.Tag, p.cfg.VsockPort),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String("rootfs"),
			PathOnHost:   fcsdk.String(rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  l.mac,
				HostDevName: l.tap,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: "vsock0", Path: vsock, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(vcpus)),
			MemSizeMib: fcsdk.Int64(int64(mem)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: l.netns,
		VMID:  id,
	},
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcsdk.VMCommandBuilder{}.
			WithBin(p.cfg.Bin).
			WithSocketPath(socket).
			Build(vmmCtx)),
	)
	if err != nil {
		return nil, fmt.Errorf("configure VM: %w", err)
	}

	start := time.Now()
	if err := machine.Start(vmmCtx); err != nil {
		return nil, fmt.Errorf("start VM: %w", err)
	}
	if _, err := p.call(ctx, vsock, guest.Request{Op: guest.OpPing}); err != nil {
		p.stopMachine(id, machine)
		return nil, fmt.Errorf("agent not reachable: %w", err)
	}
	bootDuration.Observe(time.Since(start).Seconds())

	return &vm{
		info: provisioner.WorkerInfo{
			ID:      id,
			Tag:     spec.Tag,
			Address: vsock,
		},
		machine: machine,
		cid:     cid,
		dir:     dir,
	}, nil
}

func orDefault(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}

func (p *Provisioner) DeleteWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	v, ok := p.vms[id]
	delete(p.vms, id)
	p.mu.Unlock()

	if ok {
		p.stopMachine(id, v.machine)
		p.releaseCID(v.cid)
		p.detach(id)
		os.RemoveAll(v.dir)
		p.slots.Release(1)
		runningVMs.Dec()
		p.logger.Info("microVM stopped", "worker_id", id)
	}

	if err := p.marks.ClearWorkerMark(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}
	return nil
}

func (p *Provisioner) UploadCode(ctx context.Context, id string, pkg []byte) error {
	v, err := p.lookup(id)
	if err != nil {
		return err
	}
	_, err = p.call(ctx, v.info.Address, guest.Request{Op: guest.OpLoad, Package: pkg})
	return err
}

func (p *Provisioner) Invoke(ctx context.Context, address string, payload json.RawMessage) (json.RawMessage, error) {
	return p.call(ctx, address, guest.Request{Op: guest.OpInvoke, Payload: payload})
}

// ListWorkers reports the VMs this process started. MicroVMs do not survive
// a restart of the control plane, so there is nothing else to discover.
func (p *Provisioner) ListWorkers(ctx context.Context, tag model.Tag) ([]provisioner.WorkerInfo, error) {
	marks, err := p.marks.WorkerMarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []provisioner.WorkerInfo
	for _, id := range slices.Sorted(maps.Keys(p.vms)) {
		info := p.vms[id].info
		if info.Tag != tag {
			continue
		}
		info.InUse = marks[id]
		out = append(out, info)
	}
	return out, nil
}

func (p *Provisioner) MarkInUse(ctx context.Context, id string) error {
	v, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := p.marks.MarkWorkerInUse(ctx, id, v.info.Tag); err != nil {
		return fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}
	return nil
}

// Shutdown stops every VM and releases all networking.
func (p *Provisioner) Shutdown(ctx context.Context) {
	p.mu.Lock()
	ids := slices.Collect(maps.Keys(p.vms))
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.DeleteWorker(ctx, id); err != nil {
			p.logger.Error("shutdown delete failed", "worker_id", id, "error", err)
		}
	}
	p.net.detachAll(ctx)
}

// kernelArgs appends the agent's settings; the kernel hands unknown
// KEY=value arguments to init as environment variables.
func kernelArgs(tag model.Tag, port uint32) string {
	return fmt.Sprintf("%s %s=%s %s=%d", bootArgs, guest.EnvTag, tag, guest.EnvPort, port)
}

func (p *Provisioner) lookup(id string) (*vm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provisioner.ErrWorkerNotFound, id)
	}
	return v, nil
}

func (p *Provisioner) call(ctx context.Context, address string, req guest.Request) (json.RawMessage, error) {
	resp, err := p.exchange(ctx, address, req)
	if err == nil {
		err = resp.Err(req.Op)
	}
	if err != nil {
		guestCalls.WithLabelValues(req.Op, "error").Inc()
		return nil, err
	}
	guestCalls.WithLabelValues(req.Op, "ok").Inc()
	return resp.Result, nil
}

func (p *Provisioner) exchange(ctx context.Context, address string, req guest.Request) (guest.Response, error) {
	gc, err := dialGuest(ctx, address, p.cfg.VsockPort)
	if err != nil {
		return guest.Response{}, err
	}
	defer gc.Close()
	return gc.call(req)
}

// stopMachine asks the guest to shut down and kills the VMM if it does not.
func (p *Provisioner) stopMachine(id string, m *fcsdk.Machine) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := m.Shutdown(ctx); err != nil {
		p.logger.Debug("graceful shutdown failed, stopping VMM", "worker_id", id, "error", err)
		if err := m.StopVMM(); err != nil {
			p.logger.Debug("stop VMM failed", "worker_id", id, "error", err)
		}
	}
	if err := m.Wait(ctx); err != nil {
		p.logger.Debug("wait for VMM exit", "worker_id", id, "error", err)
	}
}

func (p *Provisioner) detach(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := p.net.detach(ctx, id); err != nil {
		p.logger.Warn("network detach failed", "worker_id", id, "error", err)
	}
}

// allocateCID hands out a free vsock context ID from a window of MaxVMs+10
// IDs, scanning round-robin from the last one issued.
func (p *Provisioner) allocateCID() (uint32, error) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()

	span := uint32(p.cfg.MaxVMs) + 10
	for i := range span {
		c := minCID + (p.cidNext-minCID+i)%span
		if !p.cids[c] {
			p.cids[c] = true
			p.cidNext = c + 1
			return c, nil
		}
	}
	return 0, fmt.Errorf("no free vsock CID among %d in use", len(p.cids))
}

func (p *Provisioner) releaseCID(c uint32) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()
	delete(p.cids, c)
}
