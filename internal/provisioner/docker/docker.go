// Package docker provisions workers and replica groups as containers on a
// Docker engine. Workers are single containers; a replica group is a set of
// containers sharing labels, reached through its first public port.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	dockerclient "github.com/fsouza/go-dockerclient"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/retry"
)

const (
	// CodeDir is where UploadCode places the package inside a worker. The
	// worker images reload from CodeDir/package on change.
	CodeDir  = "/var/funclite"
	codeFile = "package"

	maxResponse = 16 << 20
)

var readyPolicy = retry.Policy{Attempts: 20, Delay: 250 * time.Millisecond}

var (
	_ provisioner.Provisioner      = (*Provisioner)(nil)
	_ provisioner.GroupProvisioner = (*Provisioner)(nil)
)

// engine is the subset of the Docker client used here.
type engine interface {
	PingWithContext(ctx context.Context) error
	NetworkInfo(id string) (*dockerclient.Network, error)
	CreateNetwork(opts dockerclient.CreateNetworkOptions) (*dockerclient.Network, error)
	CreateContainer(opts dockerclient.CreateContainerOptions) (*dockerclient.Container, error)
	StartContainerWithContext(id string, hostConfig *dockerclient.HostConfig, ctx context.Context) error
	InspectContainerWithOptions(opts dockerclient.InspectContainerOptions) (*dockerclient.Container, error)
	RemoveContainer(opts dockerclient.RemoveContainerOptions) error
	ListContainers(opts dockerclient.ListContainersOptions) ([]dockerclient.APIContainers, error)
	UploadToContainer(id string, opts dockerclient.UploadToContainerOptions) error
}

// Config holds the settings for the Docker driver.
type Config struct {
	Endpoint string

	// Network is the user-defined bridge every container joins. It is
	// created on first use.
	Network string

	Images     map[model.Tag]string
	WorkerPort int

	// RequestTimeout bounds a single HTTP call to a worker or group.
	RequestTimeout time.Duration
}

// Provisioner implements provisioner.Provisioner and
// provisioner.GroupProvisioner on a Docker engine.
type Provisioner struct {
	cfg    Config
	engine engine
	marks  provisioner.MarkStore
	http   *http.Client
	logger *slog.Logger
}

// New connects to the engine at cfg.Endpoint.
func New(cfg Config, marks provisioner.MarkStore, logger *slog.Logger) (*Provisioner, error) {
	client, err := dockerclient.NewClient(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", cfg.Endpoint, err)
	}
	return newWithEngine(cfg, client, marks, logger), nil
}

func newWithEngine(cfg Config, e engine, marks provisioner.MarkStore, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		engine: e,
		marks:  marks,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// Verify pings the engine and makes sure the network exists.
func (p *Provisioner) Verify(ctx context.Context) error {
	if err := p.engine.PingWithContext(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	if _, err := p.engine.NetworkInfo(p.cfg.Network); err == nil {
		return nil
	} else if missing := new(dockerclient.NoSuchNetwork); !errors.As(err, &missing) {
		return fmt.Errorf("inspect network %s: %w", p.cfg.Network, err)
	}

	_, err := p.engine.CreateNetwork(dockerclient.CreateNetworkOptions{
		Name:    p.cfg.Network,
		Driver:  "bridge",
		Context: ctx,
	})
	if err != nil && !errors.Is(err, dockerclient.ErrNetworkAlreadyExists) {
		return fmt.Errorf("create network %s: %w", p.cfg.Network, err)
	}
	p.logger.Info("created docker network", "network", p.cfg.Network)
	return nil
}

func (p *Provisioner) CreateWorker(ctx context.Context, spec provisioner.WorkerSpec) (provisioner.WorkerInfo, error) {
	image, ok := p.cfg.Images[spec.Tag]
	if !ok {
		return provisioner.WorkerInfo{}, fmt.Errorf("%w: no image for tag %q", provisioner.ErrProvisioning, spec.Tag)
	}
	name := spec.Name
	if name == "" {
		name = model.NewName(string(spec.Tag))
	}

	host := p.hostConfig(spec.CPUs, spec.MemMB)
	ip, err := p.run(ctx, name, &dockerclient.Config{
		Image:        image,
		Labels:       workerLabels(spec.Tag),
		ExposedPorts: exposed([]model.Port{{Number: uint16(p.cfg.WorkerPort)}}),
	}, host)
	if err != nil {
		return provisioner.WorkerInfo{}, err
	}

	hostport := net.JoinHostPort(ip, strconv.Itoa(p.cfg.WorkerPort))
	if err := p.waitReachable(ctx, hostport); err != nil {
		p.remove(name)
		return provisioner.WorkerInfo{}, fmt.Errorf("%w: worker %s: %w", provisioner.ErrProvisioning, name, err)
	}

	p.logger.Info("worker container started", "worker_id", name, "tag", spec.Tag, "address", hostport)
	return provisioner.WorkerInfo{ID: name, Tag: spec.Tag, Address: "http://" + hostport}, nil
}

func (p *Provisioner) DeleteWorker(ctx context.Context, id string) error {
	if err := p.removeContainer(ctx, id); err != nil {
		return err
	}
	if err := p.marks.ClearWorkerMark(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}
	return nil
}

// UploadCode copies pkg into the worker as a one-file tar archive.
func (p *Provisioner) UploadCode(ctx context.Context, id string, pkg []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    codeFile,
		Mode:    0o644,
		Size:    int64(len(pkg)),
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(pkg); err != nil {
		return fmt.Errorf("tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	err := p.engine.UploadToContainer(id, dockerclient.UploadToContainerOptions{
		InputStream: &buf,
		Path:        CodeDir,
		Context:     ctx,
	})
	if err != nil {
		if isNoSuchContainer(err) {
			return fmt.Errorf("%w: %s", provisioner.ErrWorkerNotFound, id)
		}
		return fmt.Errorf("%w: upload to %s: %w", provisioner.ErrProvisioning, id, err)
	}
	return nil
}

// Invoke posts payload to the worker's HTTP endpoint.
func (p *Provisioner) Invoke(ctx context.Context, address string, payload json.RawMessage) (json.RawMessage, error) {
	return p.post(ctx, address+"/", payload)
}

func (p *Provisioner) ListWorkers(ctx context.Context, tag model.Tag) ([]provisioner.WorkerInfo, error) {
	containers, err := p.engine.ListContainers(dockerclient.ListContainersOptions{
		Filters: kindFilter(kindWorker, labelTag, string(tag)),
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list workers: %w", provisioner.ErrProvisioning, err)
	}
	marks, err := p.marks.WorkerMarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}

	var out []provisioner.WorkerInfo
	for _, c := range containers {
		id := containerName(c)
		ip := p.ipOf(c.Networks.Networks)
		if ip == "" {
			p.logger.Warn("worker container has no address", "worker_id", id)
			continue
		}
		out = append(out, provisioner.WorkerInfo{
			ID:      id,
			Tag:     tag,
			Address: "http://" + net.JoinHostPort(ip, strconv.Itoa(p.cfg.WorkerPort)),
			InUse:   marks[id],
		})
	}
	slices.SortFunc(out, func(a, b provisioner.WorkerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (p *Provisioner) MarkInUse(ctx context.Context, id string) error {
	c, err := p.inspect(ctx, id)
	if err != nil {
		return err
	}
	tag := model.Tag(c.Config.Labels[labelTag])
	if err := p.marks.MarkWorkerInUse(ctx, id, tag); err != nil {
		return fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}
	return nil
}

// CreateGroup starts every container of g. If any fails, those already
// started are removed again.
func (p *Provisioner) CreateGroup(ctx context.Context, g model.ReplicaGroup) (string, error) {
	if len(g.PublicPorts()) == 0 {
		return "", fmt.Errorf("%w: group %s has no public port", provisioner.ErrProvisioning, g.Name)
	}

	var (
		started []string
		address string
	)
	for _, c := range g.Containers {
		labels, err := groupLabels(g, c)
		if err != nil {
			p.removeAll(started)
			return "", err
		}
		name := g.Name + "-" + c.Name
		ip, err := p.run(ctx, name, &dockerclient.Config{
			Image:        c.Image,
			Env:          envList(c.Env),
			Labels:       labels,
			ExposedPorts: exposed(c.Ports),
		}, p.hostConfig(0, 0))
		if err != nil {
			p.removeAll(started)
			return "", err
		}
		started = append(started, name)

		if port, ok := firstPublic(c); ok && address == "" {
			address = net.JoinHostPort(ip, strconv.Itoa(int(port)))
		}
	}

	if err := p.waitReachable(ctx, address); err != nil {
		p.removeAll(started)
		return "", fmt.Errorf("%w: group %s: %w", provisioner.ErrProvisioning, g.Name, err)
	}
	p.logger.Info("replica group started", "group", g.Name, "app", g.App, "address", address)
	return address, nil
}

func (p *Provisioner) DeleteGroup(ctx context.Context, name string) error {
	containers, err := p.engine.ListContainers(dockerclient.ListContainersOptions{
		All:     true,
		Filters: kindFilter(kindGroup, labelGroup, name),
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("%w: list group %s: %w", provisioner.ErrProvisioning, name, err)
	}

	var errs []error
	for _, c := range containers {
		if err := p.removeContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListGroups rebuilds every running group from its containers' labels.
func (p *Provisioner) ListGroups(ctx context.Context) ([]model.ReplicaGroup, error) {
	containers, err := p.engine.ListContainers(dockerclient.ListContainersOptions{
		Filters: kindFilter(kindGroup),
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list groups: %w", provisioner.ErrProvisioning, err)
	}

	groups := make(map[string]*model.ReplicaGroup)
	ips := make(map[string]map[string]string)
	for _, c := range containers {
		name := c.Labels[labelGroup]
		def, err := containerFromLabels(c.Labels)
		if err != nil {
			p.logger.Warn("skipping unreadable group container", "container", containerName(c), "error", err)
			continue
		}
		g, ok := groups[name]
		if !ok {
			g = &model.ReplicaGroup{
				Name:   name,
				App:    c.Labels[labelApp],
				Region: c.Labels[labelRegion],
			}
			groups[name] = g
			ips[name] = make(map[string]string)
		}
		g.Containers = append(g.Containers, def)
		ips[name][def.Name] = p.ipOf(c.Networks.Networks)
	}

	out := make([]model.ReplicaGroup, 0, len(groups))
	for _, name := range slices.Sorted(maps.Keys(groups)) {
		g := groups[name]
		slices.SortFunc(g.Containers, func(a, b model.Container) int { return strings.Compare(a.Name, b.Name) })
		for _, c := range g.Containers {
			port, ok := firstPublic(c)
			if ip := ips[name][c.Name]; ok && ip != "" {
				g.Address = net.JoinHostPort(ip, strconv.Itoa(int(port)))
				break
			}
		}
		out = append(out, *g)
	}
	return out, nil
}

// InvokeGroup calls /api/<function>/ on the group's public address.
func (p *Provisioner) InvokeGroup(ctx context.Context, g model.ReplicaGroup, function string, payload json.RawMessage) (json.RawMessage, error) {
	if g.Address == "" {
		return nil, fmt.Errorf("%w: group %s has no address", provisioner.ErrProvisioning, g.Name)
	}
	return p.post(ctx, "http://"+g.Address+"/api/"+function+"/", payload)
}

// run creates and starts a container on the funclite network and returns
// its IP there.
func (p *Provisioner) run(ctx context.Context, name string, cfg *dockerclient.Config, host *dockerclient.HostConfig) (string, error) {
	c, err := p.engine.CreateContainer(dockerclient.CreateContainerOptions{
		Name:       name,
		Config:     cfg,
		HostConfig: host,
		Context:    ctx,
	})
	if err != nil {
		return "", fmt.Errorf("%w: create container %s: %w", provisioner.ErrProvisioning, name, err)
	}
	if err := p.engine.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		p.remove(c.ID)
		return "", fmt.Errorf("%w: start container %s: %w", provisioner.ErrProvisioning, name, err)
	}

	info, err := p.inspect(ctx, c.ID)
	if err != nil {
		p.remove(c.ID)
		return "", err
	}
	var ip string
	if info.NetworkSettings != nil {
		ip = p.ipOf(info.NetworkSettings.Networks)
	}
	if ip == "" {
		p.remove(c.ID)
		return "", fmt.Errorf("%w: container %s has no address on %s", provisioner.ErrProvisioning, name, p.cfg.Network)
	}
	return ip, nil
}

func (p *Provisioner) hostConfig(cpus, memMB int) *dockerclient.HostConfig {
	h := &dockerclient.HostConfig{NetworkMode: p.cfg.Network}
	if cpus > 0 {
		h.NanoCPUs = int64(cpus) * 1e9
	}
	if memMB > 0 {
		h.Memory = int64(memMB) << 20
	}
	return h
}

func (p *Provisioner) inspect(ctx context.Context, id string) (*dockerclient.Container, error) {
	c, err := p.engine.InspectContainerWithOptions(dockerclient.InspectContainerOptions{ID: id, Context: ctx})
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, fmt.Errorf("%w: %s", provisioner.ErrWorkerNotFound, id)
		}
		return nil, fmt.Errorf("%w: inspect %s: %w", provisioner.ErrProvisioning, id, err)
	}
	return c, nil
}

// removeContainer force-removes id. A container that is already gone is not
// an error.
func (p *Provisioner) removeContainer(ctx context.Context, id string) error {
	err := p.engine.RemoveContainer(dockerclient.RemoveContainerOptions{
		ID:            id,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	if err != nil && !isNoSuchContainer(err) {
		return fmt.Errorf("%w: remove %s: %w", provisioner.ErrProvisioning, id, err)
	}
	return nil
}

// remove is best-effort cleanup after a failed create.
func (p *Provisioner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.removeContainer(ctx, id); err != nil {
		p.logger.Warn("cleanup failed", "container", id, "error", err)
	}
}

func (p *Provisioner) removeAll(ids []string) {
	for _, id := range ids {
		p.remove(id)
	}
}

func (p *Provisioner) ipOf(networks map[string]dockerclient.ContainerNetwork) string {
	return networks[p.cfg.Network].IPAddress
}

// waitReachable polls until something accepts TCP connections on hostport.
func (p *Provisioner) waitReachable(ctx context.Context, hostport string) error {
	return retry.Do(ctx, readyPolicy, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

func (p *Provisioner) post(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(body))
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	return body, nil
}

func isNoSuchContainer(err error) bool {
	var missing *dockerclient.NoSuchContainer
	return errors.As(err, &missing)
}

func containerName(c dockerclient.APIContainers) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func exposed(ports []model.Port) map[dockerclient.Port]struct{} {
	if len(ports) == 0 {
		return nil
	}
	out := make(map[dockerclient.Port]struct{}, len(ports))
	for _, port := range ports {
		out[dockerclient.Port(fmt.Sprintf("%d/tcp", port.Number))] = struct{}{}
	}
	return out
}

func firstPublic(c model.Container) (uint16, bool) {
	for _, p := range c.Ports {
		if p.Public {
			return p.Number, true
		}
	}
	return 0, false
}
