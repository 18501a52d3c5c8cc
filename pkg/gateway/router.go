package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/observability"
)

// Factory creates the adapter for a provider.
type Factory func(p config.ProviderConfig) (Gateway, error)

// Source hands out the Gateway a run uses. A run asks once, with the
// configuration snapshot it took at start.
type Source interface {
	Gateway(snap *config.Snapshot) Gateway
}

// Fixed returns a Source that always hands out g.
func Fixed(g Gateway) Source {
	return fixed{g}
}

type fixed struct{ g Gateway }

func (f fixed) Gateway(*config.Snapshot) Gateway { return f.g }

// Router dispatches calls to per-provider adapters created by the
// registered factories. Adapters are rebuilt when a reload changes a
// provider's connection settings; rate limiters are kept and adjusted.
type Router struct {
	factories map[string]Factory

	mu        sync.Mutex
	providers map[string]*providerEntry
}

type providerEntry struct {
	cfg     config.ProviderConfig
	gw      Gateway
	limiter *rate.Limiter
}

// NewRouter creates a Router. factories maps provider types (see
// config.ProviderOpenAI) to adapter constructors.
func NewRouter(factories map[string]Factory) *Router {
	return &Router{
		factories: factories,
		providers: make(map[string]*providerEntry),
	}
}

// Gateway returns a Gateway routing with snap.
func (r *Router) Gateway(snap *config.Snapshot) Gateway {
	return &routed{router: r, snap: snap}
}

// Close releases adapters that hold resources.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, e := range r.providers {
		if c, ok := e.gw.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing provider %s: %w", name, err))
			}
		}
	}
	r.providers = make(map[string]*providerEntry)
	return errors.Join(errs...)
}

func (r *Router) entry(p config.ProviderConfig) (*providerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[p.Name]
	if ok && sameConnection(e.cfg, p) {
		e.cfg = p
		e.limiter.SetLimit(limit(p))
		e.limiter.SetBurst(burst(p))
		return e, nil
	}

	factory, found := r.factories[p.Type]
	if !found {
		return nil, NewPermanentError(fmt.Sprintf("no adapter for provider type %q", p.Type), nil)
	}
	gw, err := factory(p)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("creating provider %s", p.Name), err)
	}

	if ok {
		if c, closable := e.gw.(interface{ Close() error }); closable {
			_ = c.Close()
		}
		e.cfg = p
		e.gw = gw
		e.limiter.SetLimit(limit(p))
		e.limiter.SetBurst(burst(p))
		slog.Info("provider reconfigured", "provider", p.Name, "base_url", p.BaseURL)
		return e, nil
	}

	e = &providerEntry{cfg: p, gw: gw, limiter: rate.NewLimiter(limit(p), burst(p))}
	r.providers[p.Name] = e
	return e, nil
}

func sameConnection(a, b config.ProviderConfig) bool {
	return a.Type == b.Type && a.BaseURL == b.BaseURL && a.APIKey == b.APIKey && a.Timeout == b.Timeout
}

func limit(p config.ProviderConfig) rate.Limit {
	if p.RequestsPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(p.RequestsPerSecond)
}

func burst(p config.ProviderConfig) int {
	if p.Burst > 0 {
		return p.Burst
	}
	return 1
}

type routed struct {
	router *Router
	snap   *config.Snapshot
}

func (g *routed) Generate(ctx context.Context, req *Request) (*Response, error) {
	p, err := g.snap.ProviderFor(req.Model)
	if err != nil {
		return nil, NewPermanentError(err.Error(), nil)
	}
	e, err := g.router.entry(p)
	if err != nil {
		observability.GatewayRequestsTotal.WithLabelValues(p.Name, req.Model, string(KindPermanent)).Inc()
		return nil, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		observability.GatewayRequestsTotal.WithLabelValues(p.Name, req.Model, "rate_limited").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Provider: p.Name, Message: "rate limit wait", Err: err}
	}

	upstream := *req
	upstream.Model = g.snap.UpstreamName(req.Model)

	debug.Log("gateway", "dispatch", "provider", p.Name, "model", req.Model, "upstream", upstream.Model)
	start := time.Now()
	resp, err := e.gw.Generate(ctx, &upstream)
	observability.GatewayLatency.WithLabelValues(p.Name, req.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Provider == "" {
			gwErr.Provider = p.Name
		}
		observability.GatewayRequestsTotal.WithLabelValues(p.Name, req.Model, string(KindOf(err))).Inc()
		return nil, err
	}
	observability.GatewayRequestsTotal.WithLabelValues(p.Name, req.Model, "success").Inc()
	resp.Model = req.Model
	return resp, nil
}
