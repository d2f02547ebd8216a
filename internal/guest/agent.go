package guest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/funclite/internal/model"
)

// Settings the host passes on the kernel command line.
const (
	EnvTag  = "FUNCLITE_TAG"
	EnvPort = "FUNCLITE_VSOCK_PORT"
)

const (
	// DefaultPort is the vsock port the agent listens on.
	DefaultPort = 1024

	// DefaultWorkDir is where the loaded package lives inside the VM.
	DefaultWorkDir = "/var/funclite"

	DefaultInvokeTimeout = 30 * time.Second

	// maxStderr caps how much of a failed run's stderr is reported back.
	maxStderr = 4 << 10
)

// command runs a loaded package. An empty bin executes the entrypoint itself.
type command struct {
	entrypoint string
	bin        string
}

// commands maps each tag to how its package is run.
var commands = map[model.Tag]command{
	model.TagNode:   {entrypoint: "index.js", bin: "node"},
	model.TagPython: {entrypoint: "main.py", bin: "python3"},
	model.TagRuby:   {entrypoint: "main.rb", bin: "ruby"},
	model.TagGo:     {entrypoint: "main"},
}

// Agent serves the host's requests for one worker: it holds at most one
// package and runs it once per invocation with the payload on stdin.
type Agent struct {
	listener net.Listener
	workDir  string
	tag      model.Tag
	cmd      command
	timeout  time.Duration
	logger   *slog.Logger

	// mu excludes loads from running invocations.
	mu     sync.RWMutex
	loaded bool
}

// New creates an agent for tag that accepts connections on listener.
func New(listener net.Listener, tag model.Tag, workDir string, logger *slog.Logger) (*Agent, error) {
	cmd, ok := commands[tag]
	if !ok {
		return nil, fmt.Errorf("no command for tag %q", tag)
	}
	return &Agent{
		listener: listener,
		workDir:  workDir,
		tag:      tag,
		cmd:      cmd,
		timeout:  DefaultInvokeTimeout,
		logger:   logger,
	}, nil
}

// Serve accepts connections until the listener is closed. Each connection
// carries a single request.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.reply(conn, Response{Error: fmt.Sprintf("read request: %v", err)})
		return
	}
	a.reply(conn, a.dispatch(req))
}

func (a *Agent) reply(conn net.Conn, resp Response) {
	if err := WriteFrame(conn, resp); err != nil {
		a.logger.Warn("write response", "error", err)
	}
}

func (a *Agent) dispatch(req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{OK: true}
	case OpLoad:
		if err := a.load(req.Package); err != nil {
			a.logger.Error("load package", "error", err)
			return Response{Error: err.Error()}
		}
		a.logger.Info("package loaded", "tag", a.tag, "bytes", len(req.Package))
		return Response{OK: true}
	case OpInvoke:
		result, err := a.invoke(req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Result: result}
	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// load replaces the work directory with pkg. A gzipped tar is unpacked;
// anything else becomes the tag's entrypoint file.
func (a *Agent) load(pkg []byte) error {
	if len(pkg) == 0 {
		return errors.New("empty package")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.loaded = false
	if err := os.RemoveAll(a.workDir); err != nil {
		return fmt.Errorf("clean work dir: %w", err)
	}
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	if isGzip(pkg) {
		if err := extractArchive(a.workDir, pkg); err != nil {
			return err
		}
	} else if err := os.WriteFile(filepath.Join(a.workDir, a.cmd.entrypoint), pkg, 0o755); err != nil {
		return fmt.Errorf("write entrypoint: %w", err)
	}

	if _, err := os.Stat(filepath.Join(a.workDir, a.cmd.entrypoint)); err != nil {
		return fmt.Errorf("package has no %s: %w", a.cmd.entrypoint, err)
	}
	a.loaded = true
	return nil
}

// invoke runs the loaded package with payload on stdin. Output that is JSON
// is returned as is; anything else is returned as a JSON string.
func (a *Agent) invoke(payload json.RawMessage) (json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.loaded {
		return nil, errors.New("no package loaded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	entrypoint := filepath.Join(a.workDir, a.cmd.entrypoint)
	var cmd *exec.Cmd
	if a.cmd.bin == "" {
		cmd = exec.CommandContext(ctx, entrypoint)
	} else {
		cmd = exec.CommandContext(ctx, a.cmd.bin, entrypoint)
	}
	cmd.Dir = a.workDir
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout after %s", a.timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxStderr {
			detail = detail[len(detail)-maxStderr:]
		}
		a.logger.Info("invocation failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return nil, fmt.Errorf("%v: %s", err, detail)
	}
	a.logger.Debug("invocation done", "duration_ms", elapsed.Milliseconds())

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(out) {
		return out, nil
	}
	return json.Marshal(string(out))
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// extractArchive unpacks a tar.gz into dir. Entries that would land outside
// dir are rejected.
func extractArchive(dir string, data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(absDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return fmt.Errorf("archive entry %q escapes work directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode)&0o755); err != nil {
				return err
			}
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(f, io.LimitReader(r, MaxFrame)); err != nil {
		f.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	return f.Close()
}
