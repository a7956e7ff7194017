package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/domain/chat"
	"github.com/lattice-hq/lattice/internal/port/cache"
	"github.com/lattice-hq/lattice/internal/port/llm"
	"github.com/lattice-hq/lattice/internal/registry"
	"github.com/lattice-hq/lattice/internal/resilience"
)

// ErrToolNotFound is returned when a tool name resolves to nothing.
var ErrToolNotFound = errors.New("tool not found")

// BlockedError reports that a tool is temporarily blocked after repeated
// failures, and for how much longer.
type BlockedError struct {
	Tool      string
	Remaining time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %s is blocked for %s after repeated failures", e.Tool, e.Remaining.Round(time.Second))
}

// Registry holds all registered tools and mediates execution: per-tool
// failure blocking, result caching for non-mutating tools, and cache
// invalidation when a mutating tool for the same app succeeds.
type Registry struct {
	tools  *registry.Registry[Tool]
	cache  cache.Cache
	cfg    config.Tools
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
	epochs   map[string]uint64 // per-app cache generation
}

// NewRegistry builds an empty tool registry. The cache may be nil, which
// disables result caching.
func NewRegistry(cfg config.Tools, c cache.Cache, logger *slog.Logger) *Registry {
	return &Registry{
		tools:    registry.New[Tool](),
		cache:    c,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("lattice/tool"),
		breakers: make(map[string]*resilience.Breaker),
		epochs:   make(map[string]uint64),
	}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	info := t.Info()
	if err := r.tools.Register(info.Name, t); err != nil {
		return fmt.Errorf("register tool %s: %w", info.Name, err)
	}
	r.mu.Lock()
	r.breakers[info.Name] = resilience.NewBreaker(r.cfg.MaxFailures, r.cfg.Cooldown)
	r.mu.Unlock()
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools.Get(name)
	if !ok {
		return nil, ErrToolNotFound
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string { return r.tools.Names() }

// Definitions renders every registered, unblocked tool as a model tool
// definition. Blocked tools are withheld so the model cannot call them.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, r.tools.Len())
	for _, t := range r.tools.List() {
		info := t.Info()
		if blocked, _ := r.Blocked(info.Name); blocked {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Schema(),
		})
	}
	return defs
}

// Blocked reports whether the named tool is currently blocked and the
// remaining cooldown.
func (r *Registry) Blocked(name string) (bool, time.Duration) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false, 0
	}
	if b.Open() {
		return true, b.RemainingCooldown()
	}
	return false, 0
}

// Execute runs one tool call. The returned bool reports a cache hit.
//
// Blocked tools return a *BlockedError without executing. Results of
// non-mutating tools are cached under the call signature; a successful
// mutating call bumps the app's cache generation so stale reads cannot
// be served afterwards.
func (r *Registry) Execute(ctx context.Context, call chat.ToolCall) (Result, bool, error) {
	t, err := r.Get(call.Name)
	if err != nil {
		return Result{}, false, err
	}
	info := t.Info()

	ctx, span := r.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", info.Name),
		attribute.String("tool.app", info.App),
		attribute.Bool("tool.mutating", info.Mutating),
	))
	defer span.End()

	if blocked, remaining := r.Blocked(call.Name); blocked {
		span.SetStatus(codes.Error, "tool blocked")
		return Result{}, false, &BlockedError{Tool: call.Name, Remaining: remaining}
	}

	cacheable := r.cache != nil && !info.Mutating && r.cfg.ResultTTL > 0
	var key string
	if cacheable {
		key = r.cacheKey(info.App, call)
		if data, ok, cerr := r.cache.Get(ctx, key); cerr == nil && ok {
			var res Result
			if jerr := json.Unmarshal(data, &res); jerr == nil {
				span.SetAttributes(attribute.Bool("tool.cache_hit", true))
				return res, true, nil
			}
		}
	}

	args := make(map[string]any)
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return Result{}, false, fmt.Errorf("decode arguments for %s: %w", call.Name, err)
		}
	}

	res, err := t.Execute(ctx, args)
	failed := err != nil || !res.Success

	r.mu.Lock()
	b := r.breakers[call.Name]
	r.mu.Unlock()
	if failed {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return Result{}, false, fmt.Errorf("execute tool %s: %w", call.Name, err)
	}

	if !failed {
		if info.Mutating {
			r.Invalidate(info.App)
		} else if cacheable {
			if data, jerr := json.Marshal(res); jerr == nil {
				_ = r.cache.Set(ctx, key, data, r.cfg.ResultTTL)
			}
		}
	}
	return res, false, nil
}

// Invalidate drops all cached results for an app by advancing its cache
// generation. Entries under the old generation age out of the cache on
// their own.
func (r *Registry) Invalidate(app string) {
	r.mu.Lock()
	r.epochs[app]++
	r.mu.Unlock()
	r.logger.Debug("tool cache invalidated", "app", app)
}

func (r *Registry) cacheKey(app string, call chat.ToolCall) string {
	r.mu.Lock()
	epoch := r.epochs[app]
	r.mu.Unlock()
	return "tool:" + app + ":" + strconv.FormatUint(epoch, 10) + ":" + call.Signature()
}
