// Package container wires the core services using go.uber.org/dig.
package container

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/dig"

	"github.com/lunamoth/lunamoth/internal/agent"
	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/config"
	"github.com/lunamoth/lunamoth/internal/cron"
	"github.com/lunamoth/lunamoth/internal/heartbeat"
	"github.com/lunamoth/lunamoth/internal/lock"
	"github.com/lunamoth/lunamoth/internal/providers"
	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/selfagent"
	"github.com/lunamoth/lunamoth/internal/session"
	"github.com/lunamoth/lunamoth/internal/spawn"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// Container holds the resolved service singletons. Callers use the typed
// getters; they never import dig directly.
type Container struct {
	cfg       *config.Config
	provider  schema.LLMProvider
	msgBus    *bus.Bus
	locker    *lock.Manager
	sessions  *session.Store
	engine    *agent.Engine
	scheduler *cron.Scheduler
	spawner   *spawn.Spawner
	heartbeat *heartbeat.Service
	selfAgent *selfagent.Engine // nil when disabled
}

func (c *Container) Config() *config.Config        { return c.cfg }
func (c *Container) Provider() schema.LLMProvider  { return c.provider }
func (c *Container) Bus() *bus.Bus                 { return c.msgBus }
func (c *Container) Locker() *lock.Manager         { return c.locker }
func (c *Container) Sessions() *session.Store      { return c.sessions }
func (c *Container) Engine() *agent.Engine         { return c.engine }
func (c *Container) Scheduler() *cron.Scheduler    { return c.scheduler }
func (c *Container) Spawner() *spawn.Spawner       { return c.spawner }
func (c *Container) Heartbeat() *heartbeat.Service { return c.heartbeat }

// SelfAgent returns the reflection engine, or nil when disabled.
func (c *Container) SelfAgent() *selfagent.Engine { return c.selfAgent }

// agentRegistry wraps the full tool list used by the main engine so dig can
// tell it apart from other tool lists.
type agentRegistry struct{ *tools.ToolList }

// engineMemory and reflectMemory are distinct lock-queue identities over the
// same files: the engine and the reflection engine must contend through the
// manager, not share a holder.
type engineMemory struct{ *agent.FileMemoryStore }
type reflectMemory struct{ *agent.FileMemoryStore }

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	providersList := []any{
		func() *config.Config { return cfg },
		newLockManager,
		newBus,
		newProvider,
		newAgentSettings,
		newSessionStore,
		newEngineMemory,
		newReflectMemory,
		newSkillsLoader,
		newContextBuilder,
		newCompactor,
		newScheduler,
		newToolRegistry,
		newSpawner,
		newSelfAgent,
		newEngine,
		newHeartbeat,
	}
	for _, p := range providersList {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		provider schema.LLMProvider,
		msgBus *bus.Bus,
		locker *lock.Manager,
		sessions *session.Store,
		engine *agent.Engine,
		scheduler *cron.Scheduler,
		spawner *spawn.Spawner,
		hb *heartbeat.Service,
		se *selfagent.Engine,
	) {
		result = &Container{
			cfg:       cfg,
			provider:  provider,
			msgBus:    msgBus,
			locker:    locker,
			sessions:  sessions,
			engine:    engine,
			scheduler: scheduler,
			spawner:   spawner,
			heartbeat: hb,
			selfAgent: se,
		}
	})
	return result, err
}

func newLockManager(cfg *config.Config) *lock.Manager {
	return lock.NewManager(cfg.Locks.Lease())
}

func newBus(cfg *config.Config) *bus.Bus {
	return bus.New(cfg.Bus.QueueSize, cfg.Bus.DedupWindow)
}

func newProvider(cfg *config.Config) (schema.LLMProvider, error) {
	model := cfg.Agents.Defaults.Model
	name, pc := cfg.MatchProvider(model)
	if pc.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for model %q, edit %s", model, config.ConfigPath())
	}
	return providers.New(providers.Params{
		APIKey:       pc.APIKey,
		APIBase:      pc.APIBase,
		ExtraHeaders: pc.ExtraHeaders,
		DefaultModel: model,
		ProviderName: name,
	}), nil
}

func newAgentSettings(cfg *config.Config) schema.AgentSettings {
	d := cfg.Agents.Defaults
	return schema.AgentSettings{
		Model:        d.Model,
		MaxTokens:    d.MaxTokens,
		Temperature:  d.Temperature,
		MaxIter:      d.MaxToolIter,
		MaxRetries:   d.MaxRetries,
		MemoryWindow: d.MemoryWindow,
	}
}

func newSessionStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(cfg.WorkspacePath())
}

func newEngineMemory(cfg *config.Config, locker *lock.Manager) (engineMemory, error) {
	m, err := agent.NewMemoryStore(cfg.WorkspacePath(), locker, "engine", cfg.Locks.AcquireTimeout())
	return engineMemory{m}, err
}

func newReflectMemory(cfg *config.Config, locker *lock.Manager) (reflectMemory, error) {
	m, err := agent.NewMemoryStore(cfg.WorkspacePath(), locker, "selfagent", cfg.Locks.AcquireTimeout())
	return reflectMemory{m}, err
}

func newSkillsLoader(cfg *config.Config) *agent.SkillsLoader {
	return agent.NewSkillsLoader(cfg.WorkspacePath(), filepath.Join(config.DataDir(), "skills"))
}

func newContextBuilder(cfg *config.Config, mem engineMemory, skills *agent.SkillsLoader) *agent.ContextBuilder {
	return agent.NewContextBuilder(cfg.WorkspacePath(), mem.FileMemoryStore, skills)
}

func newCompactor(cfg *config.Config, mem engineMemory, sessions *session.Store, p schema.LLMProvider) *agent.Compactor {
	return agent.NewCompactor(mem.FileMemoryStore, sessions, p,
		cfg.Agents.Defaults.Model, cfg.Agents.Defaults.MemoryWindow)
}

func newScheduler(cfg *config.Config, b *bus.Bus) *cron.Scheduler {
	storePath := filepath.Join(config.DataDir(), "cron", "jobs.json")
	return cron.New(storePath, b,
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second, cfg.Scheduler.CatchUp)
}

// newToolRegistry builds the full tool list minus the spawn tool, which is
// added by newSpawner once the spawner exists (the executor and the spawner
// both need this registry).
func newToolRegistry(
	cfg *config.Config,
	b *bus.Bus,
	locker *lock.Manager,
	scheduler *cron.Scheduler,
) agentRegistry {
	workspace := cfg.WorkspacePath()
	allowedDir := ""
	if cfg.Tools.RestrictToWorkspace {
		allowedDir = workspace
	}
	guard := &tools.FileGuard{Locker: locker, Timeout: cfg.Locks.AcquireTimeout()}

	registry := tools.NewToolList(
		tools.NewReadFileTool(workspace, allowedDir, guard),
		tools.NewWriteFileTool(workspace, allowedDir, guard),
		tools.NewEditFileTool(workspace, allowedDir, guard),
		tools.NewListDirTool(workspace, allowedDir),
		tools.NewExecTool(workspace, cfg.Tools.ExecTimeoutSeconds, cfg.Tools.RestrictToWorkspace),
		tools.NewWebSearchTool(cfg.Tools.BraveAPIKey, 5),
		tools.NewWebFetchTool(cfg.Tools.WebMaxChars),
		tools.NewMessageTool(b),
		tools.NewCronTool(scheduler),
	)
	return agentRegistry{registry}
}

func newSpawner(
	cfg *config.Config,
	p schema.LLMProvider,
	b *bus.Bus,
	settings schema.AgentSettings,
	reg agentRegistry,
) *spawn.Spawner {
	subSettings := settings
	subSettings.MaxIter = cfg.Subagents.MaxToolIter

	executor := agent.NewSubagentExecutor(p, subSettings, reg.ToolList, cfg.WorkspacePath())
	sp := spawn.New(executor, b, cfg.Subagents.MaxConcurrent,
		time.Duration(cfg.Subagents.TimeoutSeconds)*time.Second)

	reg.Add(tools.NewSpawnTool(sp))
	return sp
}

// newSelfAgent returns nil when the reflection engine is disabled.
func newSelfAgent(cfg *config.Config, p schema.LLMProvider, reg agentRegistry, mem reflectMemory, b *bus.Bus) *selfagent.Engine {
	if !cfg.SelfAgent.Enabled {
		return nil
	}
	model := cfg.SelfAgent.Model
	if model == "" {
		model = cfg.Agents.Defaults.Model
	}
	e := selfagent.New(p, reg.ToolList, mem.FileMemoryStore, selfagent.Config{
		Model:               model,
		Marker:              cfg.SelfAgent.Marker,
		Interval:            time.Duration(cfg.SelfAgent.IntervalSeconds) * time.Second,
		MaxIter:             cfg.SelfAgent.MaxIter,
		RepeatToolThreshold: cfg.SelfAgent.RepeatToolThreshold,
		CycleIterThreshold:  cfg.SelfAgent.CycleIterThreshold,
	})
	b.AddMonitor(e.Monitor)
	return e
}

// newEngine depends on the spawner so the spawn tool is registered before the
// engine captures the tool list.
func newEngine(
	b *bus.Bus,
	p schema.LLMProvider,
	settings schema.AgentSettings,
	builder *agent.ContextBuilder,
	sessions *session.Store,
	compactor *agent.Compactor,
	reg agentRegistry,
	_ *spawn.Spawner,
	se *selfagent.Engine,
) *agent.Engine {
	var observer agent.Observer
	if se != nil {
		observer = se
	}
	return agent.NewEngine(b, p, settings, builder, sessions, compactor, reg.ToolList, observer)
}

func newHeartbeat(cfg *config.Config, b *bus.Bus, sessions *session.Store) *heartbeat.Service {
	hb := heartbeat.NewService(cfg.WorkspacePath(), b,
		time.Duration(cfg.Heartbeat.IntervalMinutes)*time.Minute)

	idleTimeout := time.Duration(cfg.Session.IdleTimeoutMinutes) * time.Minute
	hb.OnTick(func(context.Context) {
		sessions.ArchiveIdle(idleTimeout)
	})
	return hb
}
