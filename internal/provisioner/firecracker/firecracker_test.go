package firecracker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/seantiz/funclite/internal/guest"
	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type memMarks struct {
	mu    sync.Mutex
	marks map[string]model.Tag
}

func (m *memMarks) MarkWorkerInUse(_ context.Context, id string, tag model.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = make(map[string]model.Tag)
	}
	m.marks[id] = tag
	return nil
}

func (m *memMarks) WorkerMarks(context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.marks))
	for id := range m.marks {
		out[id] = true
	}
	return out, nil
}

func (m *memMarks) ClearWorkerMark(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, id)
	return nil
}

func newTestProvisioner(t *testing.T, cfg Config) (*Provisioner, *memMarks) {
	t.Helper()
	marks := &memMarks{}
	p, err := New(cfg, marks, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, marks
}

// serveAgent stands in for Firecracker's vsock bridge and the agent behind
// it. handle answers each request.
func serveAgent(t *testing.T, handle func(guest.Request) guest.Response) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				line, err := r.ReadString('\n')
				if err != nil || !strings.HasPrefix(line, "CONNECT ") {
					return
				}
				fmt.Fprint(conn, "OK 52000\n")

				var req guest.Request
				if err := guest.ReadFrame(r, &req); err != nil {
					return
				}
				guest.WriteFrame(conn, handle(req))
			}()
		}
	}()
	return path
}

func TestInvokeOverVsock(t *testing.T) {
	addr := serveAgent(t, func(req guest.Request) guest.Response {
		if req.Op != guest.OpInvoke {
			return guest.Response{Error: "unexpected op " + req.Op}
		}
		return guest.Response{OK: true, Result: req.Payload}
	})
	p, _ := newTestProvisioner(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Invoke(ctx, addr, json.RawMessage(`{"hello":"vm"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"hello":"vm"}` {
		t.Errorf("Invoke = %s", out)
	}
}

func TestInvokeGuestFailure(t *testing.T) {
	addr := serveAgent(t, func(guest.Request) guest.Response {
		return guest.Response{Error: "function threw"}
	})
	p, _ := newTestProvisioner(t, Config{})

	_, err := p.Invoke(context.Background(), addr, nil)
	if !errors.Is(err, guest.ErrGuest) {
		t.Fatalf("Invoke error = %v, want ErrGuest", err)
	}
}

func TestHandshakeRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		fmt.Fprint(conn, "FAILURE\n")
	}()

	_, err = handshake(context.Background(), path, DefaultVsockPort)
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("handshake error = %v, want refusal", err)
	}
}

func TestDialGuestGivesUpOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := dialGuest(ctx, filepath.Join(t.TempDir(), "absent.sock"), DefaultVsockPort)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dialGuest error = %v, want deadline exceeded", err)
	}
}

func TestUploadCodeAndMarks(t *testing.T) {
	var loaded []byte
	var mu sync.Mutex
	addr := serveAgent(t, func(req guest.Request) guest.Response {
		mu.Lock()
		loaded = req.Package
		mu.Unlock()
		return guest.Response{OK: true}
	})
	p, marks := newTestProvisioner(t, Config{})
	p.vms["python-1"] = &vm{info: provisioner.WorkerInfo{ID: "python-1", Tag: model.TagPython, Address: addr}}
	p.vms["node-1"] = &vm{info: provisioner.WorkerInfo{ID: "node-1", Tag: model.TagNode, Address: addr}}

	ctx := context.Background()
	if err := p.UploadCode(ctx, "python-1", []byte("def handler(): pass")); err != nil {
		t.Fatalf("UploadCode: %v", err)
	}
	mu.Lock()
	if string(loaded) != "def handler(): pass" {
		t.Errorf("agent received %q", loaded)
	}
	mu.Unlock()

	if err := p.UploadCode(ctx, "ghost", nil); !errors.Is(err, provisioner.ErrWorkerNotFound) {
		t.Errorf("UploadCode unknown = %v, want ErrWorkerNotFound", err)
	}

	if err := p.MarkInUse(ctx, "python-1"); err != nil {
		t.Fatalf("MarkInUse: %v", err)
	}
	workers, err := p.ListWorkers(ctx, model.TagPython)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || !workers[0].InUse {
		t.Fatalf("ListWorkers = %+v, want python-1 in use", workers)
	}
	if marks.marks["python-1"] != model.TagPython {
		t.Errorf("mark tag = %q", marks.marks["python-1"])
	}

	// Deleting a worker this process no longer tracks still clears its mark.
	delete(p.vms, "python-1")
	if err := p.DeleteWorker(ctx, "python-1"); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	if _, ok := marks.marks["python-1"]; ok {
		t.Error("mark survived DeleteWorker")
	}
}

func TestCreateWorkerRespectsLimit(t *testing.T) {
	p, _ := newTestProvisioner(t, Config{MaxVMs: 1})
	if !p.slots.TryAcquire(1) {
		t.Fatal("could not take the only slot")
	}

	_, err := p.CreateWorker(context.Background(), provisioner.WorkerSpec{Tag: model.TagGo})
	if !errors.Is(err, provisioner.ErrProvisioning) {
		t.Fatalf("CreateWorker error = %v, want ErrProvisioning", err)
	}
}

func TestCreateWorkerUnknownTag(t *testing.T) {
	p, _ := newTestProvisioner(t, Config{MaxVMs: 1})

	_, err := p.CreateWorker(context.Background(), provisioner.WorkerSpec{Tag: "cobol"})
	if !errors.Is(err, provisioner.ErrProvisioning) {
		t.Fatalf("CreateWorker error = %v, want ErrProvisioning", err)
	}
	// The slot is returned on failure.
	if !p.slots.TryAcquire(1) {
		t.Error("slot leaked after failed create")
	}
}

func TestAllocateCID(t *testing.T) {
	p, _ := newTestProvisioner(t, Config{MaxVMs: 2})

	a, err := p.allocateCID()
	if err != nil {
		t.Fatalf("allocateCID: %v", err)
	}
	if a != minCID {
		t.Errorf("first CID = %d, want %d", a, minCID)
	}
	b, _ := p.allocateCID()
	if b == a {
		t.Fatalf("CID %d handed out twice", a)
	}

	p.releaseCID(a)
	// Exhaust the scan window.
	for range 2 + 10 {
		p.allocateCID()
	}
	if _, err := p.allocateCID(); err == nil {
		t.Error("allocateCID succeeded with every CID in the window taken")
	}
}

func TestRootfsFor(t *testing.T) {
	cfg := Config{RootfsDir: "/images"}
	got, err := cfg.rootfsFor(model.TagRuby)
	if err != nil {
		t.Fatalf("rootfsFor: %v", err)
	}
	if got != "/images/ruby.ext4" {
		t.Errorf("rootfsFor = %q", got)
	}
	if _, err := cfg.rootfsFor("cobol"); err == nil {
		t.Error("rootfsFor accepted unknown tag")
	}
}

func cniResult(ifaces ...*types100.Interface) *types100.Result {
	_, ipnet, _ := net.ParseCIDR("10.179.0.0/24")
	ipnet.IP = net.ParseIP("10.179.0.7").To4()
	return &types100.Result{
		CNIVersion: cniVersion,
		Interfaces: ifaces,
		IPs:        []*types100.IPConfig{{Address: *ipnet}},
	}
}

func TestLeaseFrom(t *testing.T) {
	tests := []struct {
		name    string
		result  *types100.Result
		wantTap string
		wantErr bool
	}{
		{
			name: "prefers tap over veth",
			result: cniResult(
				&types100.Interface{Name: "flbr0"},
				&types100.Interface{Name: cniIfName, Mac: "aa", Sandbox: "/ns"},
				&types100.Interface{Name: "tap0", Mac: "bb", Sandbox: "/ns"},
			),
			wantTap: "tap0",
		},
		{
			name:    "falls back to veth",
			result:  cniResult(&types100.Interface{Name: cniIfName, Mac: "aa", Sandbox: "/ns"}),
			wantTap: cniIfName,
		},
		{
			name:    "no sandbox",
			result:  cniResult(&types100.Interface{Name: "flbr0"}),
			wantErr: true,
		},
		{
			name: "no ip",
			result: &types100.Result{
				CNIVersion: cniVersion,
				Interfaces: []*types100.Interface{{Name: "tap0", Sandbox: "/ns"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := leaseFrom(tt.result, "/var/run/netns/x")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("leaseFrom = %+v, want error", l)
				}
				return
			}
			if err != nil {
				t.Fatalf("leaseFrom: %v", err)
			}
			if l.tap != tt.wantTap {
				t.Errorf("tap = %q, want %q", l.tap, tt.wantTap)
			}
			if l.ip != "10.179.0.7" {
				t.Errorf("ip = %q, want 10.179.0.7", l.ip)
			}
		})
	}
}

type fakeCNI struct {
	libcni.CNI

	addErr error
	result types.Result
	dels   int
}

func (f *fakeCNI) AddNetworkList(context.Context, *libcni.NetworkConfigList, *libcni.RuntimeConf) (types.Result, error) {
	return f.result, f.addErr
}

func (f *fakeCNI) DelNetworkList(context.Context, *libcni.NetworkConfigList, *libcni.RuntimeConf) error {
	f.dels++
	return nil
}

func testNetwork(t *testing.T, cni *fakeCNI) (*network, map[string]bool) {
	t.Helper()
	n, err := newNetwork(Config{NetworkName: DefaultNetwork}, testLogger())
	if err != nil {
		t.Fatalf("newNetwork: %v", err)
	}
	namespaces := make(map[string]bool)
	n.cni = cni
	n.addNS = func(name string) error { namespaces[name] = true; return nil }
	n.delNS = func(name string) error { delete(namespaces, name); return nil }
	return n, namespaces
}

func TestNetworkAttachDetach(t *testing.T) {
	cni := &fakeCNI{result: cniResult(&types100.Interface{Name: "tap0", Mac: "bb", Sandbox: "/ns"})}
	n, namespaces := testNetwork(t, cni)
	ctx := context.Background()

	l, err := n.attach(ctx, "go-1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if l.netns != filepath.Join(netnsDir, netnsPrefix+"go-1") {
		t.Errorf("netns = %q", l.netns)
	}
	if !namespaces[netnsPrefix+"go-1"] {
		t.Error("netns not created")
	}

	if err := n.detach(ctx, "go-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := n.detach(ctx, "go-1"); err != nil {
		t.Fatalf("second detach: %v", err)
	}
	if cni.dels != 1 {
		t.Errorf("CNI DEL calls = %d, want 1", cni.dels)
	}
	if len(namespaces) != 0 {
		t.Errorf("namespaces left: %v", namespaces)
	}
}

func TestNetworkAttachFailureCleansUp(t *testing.T) {
	cni := &fakeCNI{addErr: errors.New("bridge busy")}
	n, namespaces := testNetwork(t, cni)

	if _, err := n.attach(context.Background(), "go-2"); err == nil {
		t.Fatal("attach succeeded, want error")
	}
	if len(namespaces) != 0 {
		t.Errorf("namespaces left: %v", namespaces)
	}

	// A result without a TAP is rolled back through CNI DEL.
	cni.addErr = nil
	cni.result = cniResult(&types100.Interface{Name: "flbr0"})
	if _, err := n.attach(context.Background(), "go-3"); err == nil {
		t.Fatal("attach succeeded with unusable result")
	}
	if cni.dels != 1 {
		t.Errorf("CNI DEL calls = %d, want 1", cni.dels)
	}
	if len(n.leases) != 0 {
		t.Errorf("leases left: %v", n.leases)
	}
}

func TestConfListNamesNetwork(t *testing.T) {
	raw, err := confList("edge")
	if err != nil {
		t.Fatalf("confList: %v", err)
	}
	list, err := libcni.ConfListFromBytes(raw)
	if err != nil {
		t.Fatalf("ConfListFromBytes: %v", err)
	}
	if list.Name != "edge" || len(list.Plugins) != 2 {
		t.Errorf("conflist = %s with %d plugins", list.Name, len(list.Plugins))
	}
}

func TestNetworkVerifyReportsMissingPlugins(t *testing.T) {
	n, _ := testNetwork(t, &fakeCNI{})
	n.binDir = t.TempDir()

	err := n.verify()
	if err == nil || !strings.Contains(err.Error(), "tc-redirect-tap") {
		t.Fatalf("verify error = %v, want missing plugins", err)
	}
}

func TestKernelArgsCarryAgentSettings(t *testing.T) {
	args := kernelArgs(model.TagPython, 2048)
	for _, want := range []string{"init=" + AgentPath, guest.EnvTag + "=python", guest.EnvPort + "=2048"} {
		if !strings.Contains(args, want) {
			t.Errorf("kernel args %q missing %q", args, want)
		}
	}
}
