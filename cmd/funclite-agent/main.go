// Command funclite-agent is the init process of a funclite worker microVM.
// It listens on vsock for load and invoke requests from the host and runs
// the loaded function package once per invocation.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o funclite-agent ./cmd/funclite-agent
package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/funclite/internal/guest"
	"github.com/seantiz/funclite/internal/model"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	guest.SetupInit(logger)

	tag, err := model.ParseTag(os.Getenv(guest.EnvTag))
	if err != nil {
		logger.Error("agent tag", "error", err)
		os.Exit(1)
	}

	port := uint32(guest.DefaultPort)
	if v := os.Getenv(guest.EnvPort); v != "" {
		p, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			logger.Error("agent vsock port", "value", v, "error", err)
			os.Exit(1)
		}
		port = uint32(p)
	}

	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	agent, err := guest.New(l, tag, guest.DefaultWorkDir, logger.With("tag", tag))
	if err != nil {
		logger.Error("create agent", "error", err)
		os.Exit(1)
	}

	logger.Info("funclite-agent listening", "port", port, "tag", tag)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
