// internal/tools/gateway.go
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "loan-orchestrator/internal/common/errors"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/metrics"
)

// Gateway resolves capability names to providers and scopes their
// connections to one session. It never retries.
type Gateway struct {
	providers map[string]Provider
	log       logger.Logger
}

func NewGateway(log logger.Logger, providers ...Provider) (*Gateway, error) {
	g := &Gateway{
		providers: make(map[string]Provider, len(providers)),
		log:       logger.Component(log, "tool-gateway"),
	}
	for _, p := range providers {
		if _, dup := g.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate capability provider %q", p.Name())
		}
		g.providers[p.Name()] = p
	}
	return g, nil
}

// Capabilities lists registered capability names, sorted.
func (g *Gateway) Capabilities() []string {
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Acquire connects every requested capability. On any failure the
// connections already opened are closed before returning.
func (g *Gateway) Acquire(ctx context.Context, capabilities []string) (*Session, error) {
	selected := make([]Provider, 0, len(capabilities))
	for _, name := range capabilities {
		p, ok := g.providers[name]
		if !ok {
			return nil, apperrors.NewInternalError(fmt.Sprintf("capability %q is not registered", name), nil)
		}
		selected = append(selected, p)
	}

	conns := make([]Conn, len(selected))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, p := range selected {
		i, p := i, p
		eg.Go(func() error {
			conn, err := p.Connect(egCtx)
			if err != nil {
				return classifyConnect(egCtx, p.Name(), err)
			}
			conns[i] = conn
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		g.log.Warn("capability acquisition failed", map[string]interface{}{
			"capabilities": capabilities,
			"errorKind":    string(apperrors.KindOf(err)),
		})
		return nil, err
	}

	s := &Session{handles: make(map[string]*Handle, len(selected))}
	for i, p := range selected {
		s.handles[p.Name()] = &Handle{
			capability: p.Name(),
			operations: p.Operations(),
			conn:       conns[i],
		}
	}
	return s, nil
}

// WithSession acquires capabilities, runs fn, and releases them on every
// exit path.
func (g *Gateway) WithSession(ctx context.Context, capabilities []string, fn func(*Session) error) (err error) {
	s, err := g.Acquire(ctx, capabilities)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			g.log.Warn("failed to release capability session", map[string]interface{}{"error": cerr})
		}
	}()
	return fn(s)
}

func classifyConnect(ctx context.Context, capability string, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return apperrors.FromContext(ctx.Err())
	}
	return apperrors.NewCapabilityUnavailableError(capability, err)
}

// Session holds the handles bound for one stage invocation.
type Session struct {
	handles   map[string]*Handle
	closeOnce sync.Once
	closeErr  error
}

func (s *Session) Handle(capability string) (*Handle, bool) {
	h, ok := s.handles[capability]
	return h, ok
}

func (s *Session) Capabilities() []string {
	out := make([]string, 0, len(s.handles))
	for name := range s.handles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases every handle. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, h := range s.handles {
			errs = append(errs, h.close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Handle is a bound, ready-to-invoke capability.
type Handle struct {
	capability string
	operations []string
	conn       Conn

	mu     sync.Mutex
	closed bool
}

func (h *Handle) Capability() string   { return h.capability }
func (h *Handle) Operations() []string { return append([]string(nil), h.operations...) }

func (h *Handle) supports(operation string) bool {
	for _, op := range h.operations {
		if op == operation {
			return true
		}
	}
	return false
}

func (h *Handle) Invoke(ctx context.Context, operation, applicantRef string, params map[string]interface{}) (json.RawMessage, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, apperrors.NewInternalError(fmt.Sprintf("capability %q used after release", h.capability), nil)
	}

	if !h.supports(operation) {
		metrics.ToolInvocations.WithLabelValues(h.capability, "unsupported").Inc()
		return nil, apperrors.NewInternalError(
			fmt.Sprintf("capability %q does not offer operation %q", h.capability, operation), nil)
	}

	out, err := h.conn.Call(ctx, operation, applicantRef, params)
	if err != nil {
		metrics.ToolInvocations.WithLabelValues(h.capability, string(apperrors.KindOf(err))).Inc()
		return nil, err
	}
	metrics.ToolInvocations.WithLabelValues(h.capability, "ok").Inc()
	return out, nil
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}
