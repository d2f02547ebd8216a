package firecracker

import (
	"fmt"
	"path/filepath"

	"github.com/seantiz/funclite/internal/guest"
	"github.com/seantiz/funclite/internal/model"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBin       = "firecracker"
	DefaultVsockPort = guest.DefaultPort
	DefaultMaxVMs    = 10
	DefaultVCPUs     = 1
	DefaultMemMB     = 512
	DefaultNetwork   = "funclite"

	// minCID is the first usable vsock context ID; 0-2 are reserved.
	minCID uint32 = 3
)

// AgentPath is the init process baked into every worker rootfs. It serves
// the guest protocol on the vsock port.
const AgentPath = "/usr/local/bin/funclite-agent"

// Config holds the settings for the Firecracker driver.
type Config struct {
	KernelPath string

	// RootfsDir holds one "<tag>.ext4" image per tag.
	RootfsDir string

	Bin          string
	CNIConfigDir string
	CNIBinDir    string
	NetworkName  string
	VsockPort    uint32

	// MaxVMs caps concurrently running microVMs.
	MaxVMs int

	VCPUs int
	MemMB int
}

func (c Config) withDefaults() Config {
	if c.Bin == "" {
		c.Bin = DefaultBin
	}
	if c.VsockPort == 0 {
		c.VsockPort = DefaultVsockPort
	}
	if c.MaxVMs <= 0 {
		c.MaxVMs = DefaultMaxVMs
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = DefaultMemMB
	}
	if c.NetworkName == "" {
		c.NetworkName = DefaultNetwork
	}
	return c
}

// rootfsFor returns the image a worker of tag boots from.
func (c Config) rootfsFor(tag model.Tag) (string, error) {
	if _, err := model.ParseTag(string(tag)); err != nil {
		return "", err
	}
	return filepath.Join(c.RootfsDir, fmt.Sprintf("%s.ext4", tag)), nil
}
