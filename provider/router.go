package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
)

// ErrProviderUnavailable is returned by Route once an entire fallback chain
// has been walked without finding a usable provider.
var ErrProviderUnavailable = errors.New("provider: no provider available")

const (
	defaultGenerateTimeout   = 60 * time.Second
	defaultClassifyTimeout   = 5 * time.Second
	defaultUnhealthyCooldown = 60 * time.Second
	defaultCheckInterval     = 30 * time.Second
	defaultMaxFailures       = 3

	// Smoothing factor for the per-provider rolling latency estimate.
	latencyAlpha = 0.3
)

// Descriptor is a routable provider handle returned by Route. Name identifies
// the provider for Record calls; Model is the handle to generate with.
type Descriptor struct {
	Name  string
	Tier  Tier
	Model Model
}

// Health is a point-in-time snapshot of a provider's tracked state.
type Health struct {
	Name                string        `json:"name"`
	Tier                Tier          `json:"tier"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int           `json:"total_requests"`
	SuccessfulRequests  int           `json:"successful_requests"`
	LatencyEMA          time.Duration `json:"latency_ema"`
}

// entry tracks one registered provider. Mutable state is guarded by the
// entry's own mutex so unrelated providers never contend.
type entry struct {
	mu sync.Mutex

	name  string
	tier  Tier
	model Model

	healthy             bool
	unhealthyUntil      time.Time
	consecutiveFailures int
	totalRequests       int
	successfulRequests  int
	latencyEMA          time.Duration
	lastProbe           time.Time
	lastProbeOK         bool
}

// available reports whether the entry may serve traffic, restoring health
// once the cooldown window has passed.
func (e *entry) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.healthy && now.After(e.unhealthyUntil) {
		e.healthy = true
		e.consecutiveFailures = 0
	}
	return e.healthy
}

func (e *entry) record(d time.Duration, ok bool, maxFailures int, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	if e.latencyEMA == 0 {
		e.latencyEMA = d
	} else {
		e.latencyEMA = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(e.latencyEMA))
	}
	if ok {
		e.successfulRequests++
		e.consecutiveFailures = 0
		return
	}
	e.consecutiveFailures++
	if e.consecutiveFailures >= maxFailures {
		e.healthy = false
		e.unhealthyUntil = time.Now().Add(cooldown)
	}
}

func (e *entry) snapshot() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Health{
		Name:                e.name,
		Tier:                e.tier,
		Healthy:             e.healthy,
		ConsecutiveFailures: e.consecutiveFailures,
		TotalRequests:       e.totalRequests,
		SuccessfulRequests:  e.successfulRequests,
		LatencyEMA:          e.latencyEMA,
	}
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Logger receives routing decisions; defaults to NoOpLogger.
	Logger logging.Logger

	// GenerateTimeout bounds a single provider generation call. The router
	// does not enforce it itself; callers read it via GenerateTimeout().
	GenerateTimeout time.Duration

	// ClassifyTimeout bounds the lightweight classification call.
	ClassifyTimeout time.Duration

	// MaxConsecutiveFailures trips a provider unhealthy once reached.
	MaxConsecutiveFailures int

	// UnhealthyCooldown is how long a tripped provider sits out.
	UnhealthyCooldown time.Duration

	// Classifier, when set, is a cheap model used for tier classification.
	// The keyword heuristic remains as fallback when it errs or is absent.
	Classifier Model

	// HealthCheck, when set, probes a candidate before Route hands it out.
	// Probe results are cached for CheckInterval per provider.
	HealthCheck func(ctx context.Context, m Model) error

	// CheckInterval is the minimum time between health probes per provider.
	CheckInterval time.Duration
}

// Router selects a concrete provider per query. Providers register into
// per-tier fallback chains; Route walks the chain for a tier front to back
// and advances past unhealthy or failing candidates without surfacing an
// error until the chain is exhausted.
type Router struct {
	opts RouterOptions

	mu     sync.RWMutex
	chains map[Tier][]*entry
	byName map[string]*entry
}

// NewRouter creates a Router. Register providers in fallback order per tier.
func NewRouter(optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{
		Logger:                 logging.NoOpLogger{},
		GenerateTimeout:        defaultGenerateTimeout,
		ClassifyTimeout:        defaultClassifyTimeout,
		MaxConsecutiveFailures: defaultMaxFailures,
		UnhealthyCooldown:      defaultUnhealthyCooldown,
		CheckInterval:          defaultCheckInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		opts:   opts,
		chains: make(map[Tier][]*entry),
		byName: make(map[string]*entry),
	}
}

// Register appends a provider to a tier's fallback chain. Registration order
// is fallback order: primary first. Names must be unique across tiers.
func (r *Router) Register(name string, tier Tier, m Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	e := &entry{name: name, tier: tier, model: m, healthy: true}
	r.chains[tier] = append(r.chains[tier], e)
	r.byName[name] = e
	return nil
}

// GenerateTimeout returns the configured per-call generation bound.
func (r *Router) GenerateTimeout() time.Duration { return r.opts.GenerateTimeout }

// Route returns the first usable provider in the tier's fallback chain.
// Candidates that are tripped, listed in exclude, or that fail their
// (cached) health probe are skipped silently; ErrProviderUnavailable is
// returned only once the whole chain is exhausted. Callers pass the names
// of providers that already failed during the current request as exclude
// so a retry advances down the chain instead of re-picking the same one.
func (r *Router) Route(ctx context.Context, tier Tier, exclude ...string) (*Descriptor, error) {
	r.mu.RLock()
	chain := r.chains[tier]
	r.mu.RUnlock()

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	now := time.Now()
	for _, e := range chain {
		if excluded[e.name] || !e.available(now) {
			continue
		}
		if !r.probe(ctx, e, now) {
			continue
		}
		r.opts.Logger.Debug("routed request", "provider", e.name, "tier", string(tier))
		return &Descriptor{Name: e.name, Tier: e.tier, Model: e.model}, nil
	}
	r.opts.Logger.Warn("fallback chain exhausted", "tier", string(tier), "chain_len", len(chain))
	return nil, fmt.Errorf("%w: tier %s", ErrProviderUnavailable, tier)
}

// probe runs the configured health check against a candidate, caching the
// outcome for the check interval. A failed probe counts as a failure toward
// the trip threshold.
func (r *Router) probe(ctx context.Context, e *entry, now time.Time) bool {
	if r.opts.HealthCheck == nil {
		return true
	}
	e.mu.Lock()
	fresh := now.Sub(e.lastProbe) < r.opts.CheckInterval && !e.lastProbe.IsZero()
	if fresh {
		ok := e.lastProbeOK
		e.mu.Unlock()
		return ok
	}
	model := e.model
	e.mu.Unlock()

	err := r.opts.HealthCheck(ctx, model)

	e.mu.Lock()
	e.lastProbe = now
	e.lastProbeOK = err == nil
	e.mu.Unlock()
	if err != nil {
		r.opts.Logger.Warn("provider health probe failed", "provider", e.name, "error", err)
		e.record(0, false, r.opts.MaxConsecutiveFailures, r.opts.UnhealthyCooldown)
		return false
	}
	return true
}

// Record feeds the outcome of a generation attempt back into the router's
// health and latency tracking. Called by the engine after every attempt.
func (r *Router) Record(name string, d time.Duration, ok bool) {
	r.mu.RLock()
	e := r.byName[name]
	r.mu.RUnlock()
	if e == nil {
		return
	}
	e.record(d, ok, r.opts.MaxConsecutiveFailures, r.opts.UnhealthyCooldown)
	if !ok {
		r.opts.Logger.Warn("provider attempt failed", "provider", name)
	}
}

// MarkHealthy manually restores a provider, clearing its failure streak.
func (r *Router) MarkHealthy(name string) {
	r.mu.RLock()
	e := r.byName[name]
	r.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.healthy = true
	e.unhealthyUntil = time.Time{}
	e.consecutiveFailures = 0
	e.mu.Unlock()
}

// Health returns a snapshot of every registered provider's tracked state.
func (r *Router) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.byName))
	for _, tier := range []Tier{TierStandard, TierHeavy, TierUltra} {
		for _, e := range r.chains[tier] {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Classify buckets a query into TierStandard or TierHeavy. When a classifier
// model is configured it gets first say, with the keyword heuristic as
// fallback on error or ambiguity. TierUltra is never selected here.
func (r *Router) Classify(ctx context.Context, query string) Tier {
	if r.opts.Classifier != nil {
		if tier, ok := r.classifyWithModel(ctx, query); ok {
			return tier
		}
	}
	return classifyByKeywords(query)
}

const classifyInstructions = "Classify the complexity of the user query. " +
	"Reply with exactly one word: 'standard' for routine questions or " +
	"'heavy' for queries needing deep multi-step reasoning."

func (r *Router) classifyWithModel(ctx context.Context, query string) (Tier, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClassifyTimeout)
	defer cancel()

	respCh, errCh := r.opts.Classifier.Generate(ctx, Request{
		Instructions: classifyInstructions,
		Messages:     []core.Message{core.UserMessage{Text: query}},
	})
	var text string
	for resp := range respCh {
		if !resp.Partial {
			text = resp.Text
		}
	}
	if err := <-errCh; err != nil {
		r.opts.Logger.Debug("classifier call failed, using keyword fallback", "error", err)
		return "", false
	}
	switch {
	case strings.Contains(strings.ToLower(text), string(TierHeavy)):
		return TierHeavy, true
	case strings.Contains(strings.ToLower(text), string(TierStandard)):
		return TierStandard, true
	default:
		return "", false
	}
}

// Keyword sets and weights for the heuristic complexity estimate.
var (
	complexKeywords = []string{
		"analyze", "compare", "explain", "synthesize", "evaluate",
		"multi-step", "complex", "detailed", "comprehensive", "in-depth",
		"reasoning", "logic", "derive", "prove",
		"architecture", "design", "implement", "refactor", "optimize",
	}
	toolKeywords = []string{
		"code", "execute", "run", "file", "create", "write", "read",
		"database", "api", "query", "fetch", "send",
		"calculate", "compute", "convert", "transform",
	}
	arithmeticPattern = regexp.MustCompile(`\d+\s*[\+\-\*/]\s*\d+`)
)

const (
	lengthWeight   = 0.3
	keywordWeight  = 0.4
	toolWeight     = 0.3
	heavyThreshold = 0.5
)

// classifyByKeywords scores query complexity from length, reasoning keywords
// and tool-usage keywords, bucketing at a fixed threshold.
func classifyByKeywords(query string) Tier {
	lower := strings.ToLower(query)

	lengthScore := min(float64(len(query))/500.0, 1.0)

	var complexCount int
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			complexCount++
		}
	}
	keywordScore := min(float64(complexCount)/3.0, 1.0)

	var toolCount int
	for _, kw := range toolKeywords {
		if strings.Contains(lower, kw) {
			toolCount++
		}
	}
	if arithmeticPattern.MatchString(lower) {
		toolCount++
	}
	toolScore := min(float64(toolCount)/4.0, 1.0)

	complexity := lengthWeight*lengthScore + keywordWeight*keywordScore + toolWeight*toolScore
	if complexity >= heavyThreshold {
		return TierHeavy
	}
	return TierStandard
}
