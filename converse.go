// Package converse provides a high-level façade over the conversation
// orchestration engine (state machine, generation strategies, error recovery
// & persistence) enabling rapid construction of resilient conversational
// applications. Most applications interact with this package by:
//  1. Creating an Engine via New() with a model session factory (optionally
//     overriding the default in-memory store)
//  2. Subscribing to the event stream for state changes and partial content
//  3. Driving turns through SendMessage and the session operations
//
// The façade delegates orchestration to coordinator.Coordinator while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a durable
// SQLite store and a structured logger.
package converse

import (
	"context"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/hupe1980/converse/config"
	"github.com/hupe1980/converse/coordinator"
	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/model"
	modelanthropic "github.com/hupe1980/converse/model/anthropic"
	modelopenai "github.com/hupe1980/converse/model/openai"
	"github.com/hupe1980/converse/recovery"
	"github.com/hupe1980/converse/store"
	"github.com/hupe1980/converse/tool"
)

// Options configures the Engine instance.
type Options struct {
	// Store persists sessions, messages and settings (defaults to an
	// in-memory implementation if not provided).
	Store store.Gateway

	// Capabilities is the managed set of external tools generations may
	// invoke. Defaults to an empty set.
	Capabilities *tool.CapabilitySet

	// GenerationTimeout bounds one full generation turn including tool
	// round trips.
	GenerationTimeout time.Duration

	// EventBufferSize sets the channel buffer size per event subscriber.
	// Larger buffers reduce dropped events for slow consumers.
	EventBufferSize int

	// RecoveryOptions tunes the recovery manager (retries, backoff).
	RecoveryOptions []func(o *recovery.Options)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Engine is the high-level façade aggregating the coordinator and its
// services.
type Engine struct {
	opts        Options
	coordinator *coordinator.Coordinator
}

// New creates a new Engine with optional overrides. The factory is invoked
// for the initial model session and again whenever recovery restarts the
// session graph.
func New(factory model.Factory, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Store:             store.NewMemoryStore(),
		GenerationTimeout: 60 * time.Second,
		EventBufferSize:   64,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	c, err := coordinator.New(opts.Store, factory, func(o *coordinator.Options) {
		o.Capabilities = opts.Capabilities
		o.GenerationTimeout = opts.GenerationTimeout
		o.EventBufferSize = opts.EventBufferSize
		o.RecoveryOptions = opts.RecoveryOptions
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	return &Engine{opts: opts, coordinator: c}, nil
}

// NewFromConfig builds an Engine from a loaded configuration file: model
// provider and credentials, SQLite path (empty selects the in-memory store),
// generation/recovery tuning and logging. Additional option funcs run after
// the config is applied and may override any of it.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*Engine, error) {
	factory, err := modelFactory(cfg)
	if err != nil {
		return nil, err
	}

	gateway, err := gatewayFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})

	base := func(o *Options) {
		o.Store = gateway
		o.Logger = logger
		if cfg.Generation.Timeout > 0 {
			o.GenerationTimeout = cfg.Generation.Timeout
		}
		o.RecoveryOptions = append(o.RecoveryOptions, func(ro *recovery.Options) {
			if cfg.Generation.MaxRetries > 0 {
				ro.MaxRetries = cfg.Generation.MaxRetries
			}
			if cfg.Generation.BaseBackoff > 0 {
				ro.BaseBackoff = cfg.Generation.BaseBackoff
			}
		})
		if cfg.Tools.CallTimeout > 0 {
			o.Capabilities = tool.NewCapabilitySet(nil, func(so *tool.SetOptions) {
				so.CallTimeout = cfg.Tools.CallTimeout
				so.Logger = logger
			})
		}
	}

	return New(factory, append([]func(o *Options){base}, optFns...)...)
}

// modelFactory maps the configured provider to a session factory.
func modelFactory(cfg *config.Config) (model.Factory, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return func() (model.Session, error) {
			return modelanthropic.NewSession(func(o *modelanthropic.Options) {
				o.Model = anthropicsdk.Model(cfg.Model.Name)
				o.APIKey = cfg.Model.APIKey
				if cfg.Model.MaxTokens > 0 {
					o.MaxTokens = cfg.Model.MaxTokens
				}
			}), nil
		}, nil
	case "openai":
		return func() (model.Session, error) {
			var clientOpts []openaioption.RequestOption
			if cfg.Model.APIKey != "" {
				clientOpts = append(clientOpts, openaioption.WithAPIKey(cfg.Model.APIKey))
			}
			client := openaisdk.NewClient(clientOpts...)
			return modelopenai.NewSessionFromClient(&client, func(o *modelopenai.Options) {
				o.Model = cfg.Model.Name
				if cfg.Model.MaxTokens > 0 {
					o.MaxCompletionTokens = cfg.Model.MaxTokens
				}
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Model.Provider)
	}
}

func gatewayFromConfig(cfg *config.Config) (store.Gateway, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

// Subscribe returns an ordered event channel and an unsubscribe func.
func (e *Engine) Subscribe() (<-chan coordinator.Event, func()) {
	return e.coordinator.Subscribe()
}

// State returns the current conversation state and error detail.
func (e *Engine) State() (core.State, string) { return e.coordinator.State() }

// SendMessage starts an asynchronous generation turn. The returned channel
// closes when the turn settles; progress arrives on the event stream.
func (e *Engine) SendMessage(ctx context.Context, text string) (<-chan struct{}, error) {
	return e.coordinator.SendMessage(ctx, text)
}

// SendMessageSync is a synchronous helper that waits for the turn to settle
// and returns the resulting conversation state.
func (e *Engine) SendMessageSync(ctx context.Context, text string) (core.State, string, error) {
	done, err := e.coordinator.SendMessage(ctx, text)
	if err != nil {
		return core.StateActive, "", err
	}
	select {
	case <-ctx.Done():
		e.coordinator.CancelGeneration()
		<-done
	case <-done:
	}
	state, detail := e.coordinator.State()
	return state, detail, nil
}

// CancelGeneration aborts the in-flight turn, discarding partial results.
func (e *Engine) CancelGeneration() { e.coordinator.CancelGeneration() }

// DismissError acknowledges a surfaced error and returns to the active state.
func (e *Engine) DismissError() error { return e.coordinator.DismissError() }

// StartVoiceTurn opens a voice capture turn.
func (e *Engine) StartVoiceTurn() error { return e.coordinator.StartVoiceTurn() }

// StopVoiceTurn closes the voice capture turn.
func (e *Engine) StopVoiceTurn() error { return e.coordinator.StopVoiceTurn() }

// CurrentSession returns a snapshot of the active session, or nil.
func (e *Engine) CurrentSession() *core.Session { return e.coordinator.CurrentSession() }

// StartNewSession finalizes the current session and begins a fresh one.
func (e *Engine) StartNewSession(ctx context.Context) error {
	return e.coordinator.StartNewSession(ctx)
}

// LoadSession switches to a stored session.
func (e *Engine) LoadSession(ctx context.Context, id string) error {
	return e.coordinator.LoadSession(ctx, id)
}

// LoadSessions lists stored sessions, most recently modified first.
func (e *Engine) LoadSessions(ctx context.Context) ([]*core.Session, error) {
	return e.coordinator.LoadSessions(ctx)
}

// DeleteSession removes a stored session, cancelling its generation if it is
// the active one.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.coordinator.DeleteSession(ctx, id)
}

// ChangePersona switches the active persona and persists it as the default.
func (e *Engine) ChangePersona(ctx context.Context, p core.Persona) error {
	return e.coordinator.ChangePersona(ctx, p)
}

// AddReaction adds a reaction symbol to a message in the active session.
func (e *Engine) AddReaction(ctx context.Context, messageID, symbol string) error {
	return e.coordinator.AddReaction(ctx, messageID, symbol)
}

// DeleteMessage removes a message from the active session and the store.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.coordinator.DeleteMessage(ctx, messageID)
}

// Settings returns the active settings.
func (e *Engine) Settings() core.Settings { return e.coordinator.Settings() }

// UpdateSettings persists and applies new settings.
func (e *Engine) UpdateSettings(ctx context.Context, settings core.Settings) error {
	return e.coordinator.UpdateSettings(ctx, settings)
}

// CleanupOlderThan removes sessions inactive beyond the retention window,
// returning how many were deleted.
func (e *Engine) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	return e.coordinator.CleanupOlderThan(ctx, days)
}

// ExportAll serializes every stored session and the settings record.
func (e *Engine) ExportAll(ctx context.Context) ([]byte, error) {
	return e.coordinator.ExportAll(ctx)
}

// ImportAll restores a previously exported snapshot.
func (e *Engine) ImportAll(ctx context.Context, data []byte) error {
	return e.coordinator.ImportAll(ctx, data)
}

// ClearAllData wipes every session, message and settings record.
func (e *Engine) ClearAllData(ctx context.Context) error {
	return e.coordinator.ClearAllData(ctx)
}

// Close shuts the engine down and closes the store.
func (e *Engine) Close() error {
	if err := e.coordinator.Close(); err != nil {
		return err
	}
	return e.opts.Store.Close()
}
