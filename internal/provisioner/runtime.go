package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/funclite/internal/model"
)

// Runtime is the capability set a worker is driven through. Implementations
// differ per tag in how payloads are framed for the code host inside the worker.
type Runtime interface {
	UploadCode(ctx context.Context, w *model.Worker, pkg []byte) error
	SendInvoke(ctx context.Context, w *model.Worker, payload json.RawMessage) (json.RawMessage, error)
	WarmUp(ctx context.Context, w *model.Worker) error
}

// hostEnvelope is the request and response body understood by the function
// host images: the user payload travels under functionBody.
type hostEnvelope struct {
	FunctionBody json.RawMessage `json:"functionBody,omitempty"`
	WarmUp       bool            `json:"warmUp,omitempty"`
}

// HostRuntime talks to workers running a function host that expects the
// functionBody envelope.
type HostRuntime struct {
	prov    Provisioner
	timeout time.Duration
}

// NewHostRuntime returns a HostRuntime. A zero timeout leaves deadlines to the caller.
func NewHostRuntime(p Provisioner, timeout time.Duration) *HostRuntime {
	return &HostRuntime{prov: p, timeout: timeout}
}

func (r *HostRuntime) UploadCode(ctx context.Context, w *model.Worker, pkg []byte) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.prov.UploadCode(ctx, w.ID, pkg); err != nil {
		return fmt.Errorf("upload code to %s: %w", w.ID, err)
	}
	return nil
}

func (r *HostRuntime) SendInvoke(ctx context.Context, w *model.Worker, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(hostEnvelope{FunctionBody: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	resp, err := r.prov.Invoke(ctx, w.Address, body)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", w.ID, err)
	}

	var env hostEnvelope
	if err := json.Unmarshal(resp, &env); err != nil || len(env.FunctionBody) == 0 {
		return resp, nil
	}
	return env.FunctionBody, nil
}

func (r *HostRuntime) WarmUp(ctx context.Context, w *model.Worker) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(hostEnvelope{WarmUp: true})
	if err != nil {
		return err
	}
	if _, err := r.prov.Invoke(ctx, w.Address, body); err != nil {
		return fmt.Errorf("warm up %s: %w", w.ID, err)
	}
	return nil
}

// DirectRuntime passes payloads through unchanged. It suits workers whose
// agent hands the raw request to the function.
type DirectRuntime struct {
	prov    Provisioner
	timeout time.Duration
}

// NewDirectRuntime returns a DirectRuntime.
func NewDirectRuntime(p Provisioner, timeout time.Duration) *DirectRuntime {
	return &DirectRuntime{prov: p, timeout: timeout}
}

func (r *DirectRuntime) UploadCode(ctx context.Context, w *model.Worker, pkg []byte) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.prov.UploadCode(ctx, w.ID, pkg); err != nil {
		return fmt.Errorf("upload code to %s: %w", w.ID, err)
	}
	return nil
}

func (r *DirectRuntime) SendInvoke(ctx context.Context, w *model.Worker, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.prov.Invoke(ctx, w.Address, payload)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", w.ID, err)
	}
	return resp, nil
}

// WarmUp is a no-op: a direct worker has nothing to load before its first request.
func (r *DirectRuntime) WarmUp(context.Context, *model.Worker) error {
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
