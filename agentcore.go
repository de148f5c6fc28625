// Package agentcore provides a high-level façade over the orchestration
// runtime: the workflow engine, checkpoint store, tool registry, provider
// router and self-consistency verifier. Most applications interact with this
// package by:
//  1. Creating a Runtime via New() (optionally overriding the in-memory defaults)
//  2. Registering tools and tiered provider models
//  3. Executing tasks synchronously (Execute) or streaming (ExecuteStream)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the SQLite checkpoint
// store and a structured logger.
package agentcore

import (
	"context"

	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/engine"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/verify"
)

// Options configures the Runtime instance.
type Options struct {
	// CheckpointStore defaults to an in-memory implementation.
	CheckpointStore checkpoint.Store

	// Registry defaults to an empty tool registry.
	Registry *tool.Registry

	// Router defaults to an empty provider router; register models before
	// executing tasks.
	Router *provider.Router

	// MaxIterations caps decide/act cycles per run.
	MaxIterations int

	// Instructions overrides the base system prompt when non-empty.
	Instructions string

	// VerifyFinal enables the self-consistency hook on final answers.
	VerifyFinal bool

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Runtime is the high-level façade aggregating the runtime components.
type Runtime struct {
	opts   Options
	engine *engine.Engine
}

// New creates a Runtime with optional overrides. Any unset component is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Runtime {
	opts := Options{
		CheckpointStore: checkpoint.NewInMemoryStore(),
		Registry:        tool.NewRegistry(),
		Router:          provider.NewRouter(),
		MaxIterations:   engine.DefaultMaxIterations,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	eng := engine.New(opts.CheckpointStore, opts.Registry, opts.Router, func(o *engine.Options) {
		o.MaxIterations = opts.MaxIterations
		o.Logger = opts.Logger
		if opts.Instructions != "" {
			o.Instructions = opts.Instructions
		}
		if opts.VerifyFinal {
			o.VerifyFinal = true
			o.Verifier = verify.NewVerifier()
		}
	})

	return &Runtime{opts: opts, engine: eng}
}

// Registry exposes the tool registry for registration and metrics.
func (r *Runtime) Registry() *tool.Registry { return r.opts.Registry }

// Router exposes the provider router for model registration.
func (r *Runtime) Router() *provider.Router { return r.opts.Router }

// Store exposes the checkpoint store.
func (r *Runtime) Store() checkpoint.Store { return r.opts.CheckpointStore }

// Engine exposes the underlying workflow engine.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// RegisterTool adds a tool to the registry.
func (r *Runtime) RegisterTool(t tool.Tool, optFns ...func(d *tool.Descriptor)) error {
	return r.opts.Registry.Register(t, optFns...)
}

// RegisterModel adds a provider model to a tier's fallback chain.
func (r *Runtime) RegisterModel(name string, tier provider.Tier, m provider.Model) error {
	return r.opts.Router.Register(name, tier, m)
}

// Execute runs one task to completion on the given thread.
func (r *Runtime) Execute(ctx context.Context, threadID, query string) (*engine.RunResult, error) {
	return r.engine.Run(ctx, threadID, query)
}

// ExecuteStream runs one task, emitting incremental chunks.
func (r *Runtime) ExecuteStream(ctx context.Context, threadID, query string) (<-chan engine.Chunk, <-chan error) {
	return r.engine.RunStream(ctx, threadID, query)
}

// Resumable lists threads whose latest checkpoint is non-terminal; their
// next Execute call transparently resumes the interrupted run.
func (r *Runtime) Resumable(ctx context.Context) ([]string, error) {
	return r.opts.CheckpointStore.Resumable(ctx)
}
