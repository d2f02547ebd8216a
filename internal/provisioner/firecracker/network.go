package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

const (
	bridgeName   = "flbr0"
	bridgeSubnet = "10.179.0.0/24"
	cniVersion   = "1.0.0"
	cniIfName    = "eth0"
	cniCacheDir  = "/var/lib/cni/cache"
	netnsDir     = "/var/run/netns"
	netnsPrefix  = "funclite-"
)

var cniPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// lease is the network a VM was attached to.
type lease struct {
	netns string
	tap   string
	mac   string
	ip    string
}

// network attaches VMs to a CNI bridge, one named netns per VM.
type network struct {
	binDir  string
	confDir string
	cni     libcni.CNI
	list    *libcni.NetworkConfigList
	raw     []byte
	logger  *slog.Logger

	addNS func(name string) error
	delNS func(name string) error

	mu     sync.Mutex
	leases map[string]*lease
}

func newNetwork(cfg Config, logger *slog.Logger) (*network, error) {
	raw, err := confList(cfg.NetworkName)
	if err != nil {
		return nil, err
	}
	list, err := libcni.ConfListFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &network{
		binDir:  cfg.CNIBinDir,
		confDir: cfg.CNIConfigDir,
		cni:     libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, cniCacheDir, nil),
		list:    list,
		raw:     raw,
		logger:  logger,
		addNS:   ipNetns("add"),
		delNS:   deleteNetns,
		leases:  make(map[string]*lease),
	}, nil
}

func confList(name string) ([]byte, error) {
	data, err := json.MarshalIndent(map[string]any{
		"cniVersion": cniVersion,
		"name":       name,
		"plugins": []map[string]any{
			{
				"type":      "bridge",
				"bridge":    bridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":   "host-local",
					"subnet": bridgeSubnet,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal CNI conflist: %w", err)
	}
	return data, nil
}

func (n *network) runtimeConf(id string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: id,
		NetNS:       filepath.Join(netnsDir, netnsPrefix+id),
		IfName:      cniIfName,
	}
}

// attach creates the VM's netns and runs CNI ADD in it.
func (n *network) attach(ctx context.Context, id string) (*lease, error) {
	ns := netnsPrefix + id
	if err := n.addNS(ns); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", ns, err)
	}

	rt := n.runtimeConf(id)
	res, err := n.cni.AddNetworkList(ctx, n.list, rt)
	if err != nil {
		if nsErr := n.delNS(ns); nsErr != nil {
			n.logger.Warn("netns cleanup failed", "worker_id", id, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI ADD %s: %w", id, err)
	}

	l, err := leaseFrom(res, rt.NetNS)
	if err != nil {
		if delErr := n.cni.DelNetworkList(ctx, n.list, rt); delErr != nil {
			n.logger.Warn("CNI DEL after bad result failed", "worker_id", id, "error", delErr)
		}
		if nsErr := n.delNS(ns); nsErr != nil {
			n.logger.Warn("netns cleanup failed", "worker_id", id, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI result for %s: %w", id, err)
	}

	n.mu.Lock()
	n.leases[id] = l
	n.mu.Unlock()

	n.logger.Debug("worker attached", "worker_id", id, "tap", l.tap, "ip", l.ip)
	return l, nil
}

// detach undoes attach. Detaching an unknown VM is a no-op.
func (n *network) detach(ctx context.Context, id string) error {
	n.mu.Lock()
	_, ok := n.leases[id]
	delete(n.leases, id)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := n.cni.DelNetworkList(ctx, n.list, n.runtimeConf(id)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL %s: %w", id, err))
	}
	if err := n.delNS(netnsPrefix + id); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", id, err))
	}
	return errors.Join(errs...)
}

func (n *network) detachAll(ctx context.Context) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.leases))
	for id := range n.leases {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		if err := n.detach(ctx, id); err != nil {
			n.logger.Error("detach failed", "worker_id", id, "error", err)
		}
	}
}

// verify checks the plugins the conflist needs are installed.
func (n *network) verify() error {
	var missing []string
	for _, p := range cniPlugins {
		if _, err := os.Stat(filepath.Join(n.binDir, p)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat CNI plugin %s: %w", p, err)
			}
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("CNI plugins missing from %s: %s", n.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// writeConfList installs the conflist so other CNI tooling sees the network.
func (n *network) writeConfList() error {
	if err := os.MkdirAll(n.confDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(n.confDir, n.list.Name+".conflist")
	if err := os.WriteFile(path, n.raw, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

// leaseFrom picks the TAP that tc-redirect-tap placed in the sandbox next to
// the veth, falling back to any sandboxed interface.
func leaseFrom(result types.Result, netns string) (*lease, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	l := &lease{netns: netns}
	for _, preferTap := range []bool{true, false} {
		for _, iface := range res.Interfaces {
			if iface.Sandbox == "" || (preferTap && iface.Name == cniIfName) {
				continue
			}
			l.tap, l.mac = iface.Name, iface.Mac
			break
		}
		if l.tap != "" {
			break
		}
	}
	if l.tap == "" {
		return nil, errors.New("no sandboxed interface in CNI result")
	}
	if len(res.IPs) == 0 {
		return nil, errors.New("no IP in CNI result")
	}
	l.ip = res.IPs[0].Address.IP.String()
	return l, nil
}

func ipNetns(verb string) func(name string) error {
	return func(name string) error {
		if err := os.MkdirAll(netnsDir, 0o755); err != nil {
			return err
		}
		out, err := exec.Command("ip", "netns", verb, name).CombinedOutput()
		if err != nil {
			return fmt.Errorf("ip netns %s %s: %s: %w", verb, name, strings.TrimSpace(string(out)), err)
		}
		return nil
	}
}

func deleteNetns(name string) error {
	if _, err := os.Stat(filepath.Join(netnsDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return ipNetns("delete")(name)
}
