package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ronkeiser/wonder/cmd/coordinator/alarm"
	"github.com/ronkeiser/wonder/cmd/coordinator/apply"
	"github.com/ronkeiser/wonder/cmd/coordinator/clients"
	"github.com/ronkeiser/wonder/cmd/coordinator/condition"
	"github.com/ronkeiser/wonder/cmd/coordinator/contexteng"
	"github.com/ronkeiser/wonder/cmd/coordinator/defcache"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
	"github.com/ronkeiser/wonder/cmd/coordinator/planner"
	"github.com/ronkeiser/wonder/cmd/coordinator/resources"
	"github.com/ronkeiser/wonder/cmd/coordinator/store"
	"github.com/ronkeiser/wonder/cmd/coordinator/trace"
	"github.com/ronkeiser/wonder/common/config"
	"github.com/ronkeiser/wonder/common/redis"
	"github.com/ronkeiser/wonder/common/retry"
)

// redisSink adapts the shared redis client to the trace sink interface
type redisSink struct {
	client *redis.Client
}

func (s *redisSink) Publish(ctx context.Context, stream string, entries []map[string]any) error {
	return s.client.XAddBatch(ctx, stream, entries)
}

// Registry owns every live coordinator instance in this process, one per
// run. It wires a full load-plan-apply pipeline around each run's private
// store and tears the whole thing down once the run is terminal and drained.
type Registry struct {
	cfg       *config.Config
	defs      *defcache.Cache
	eval      *condition.Evaluator
	resources *resources.Client
	executor  *clients.ExecutorClient
	peers     *clients.PeerClient
	sink      trace.Sink
	logger    Logger

	mu   sync.Mutex
	runs map[string]*Dispatcher
}

// RegistryOpts configures a Registry
type RegistryOpts struct {
	Config    *config.Config
	Defs      *defcache.Cache
	Resources *resources.Client
	Executor  *clients.ExecutorClient
	Peers     *clients.PeerClient
	Redis     *redis.Client
	Logger    Logger
}

// NewRegistry creates the per-process registry
func NewRegistry(opts RegistryOpts) *Registry {
	return &Registry{
		cfg:       opts.Config,
		defs:      opts.Defs,
		eval:      condition.NewEvaluator(),
		resources: opts.Resources,
		executor:  opts.Executor,
		peers:     opts.Peers,
		sink:      &redisSink{client: opts.Redis},
		logger:    opts.Logger,
		runs:      map[string]*Dispatcher{},
	}
}

// Get returns the live dispatcher for a run, if any
func (r *Registry) Get(runID string) (*Dispatcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.runs[runID]
	return d, ok
}

// Open creates (or returns) the coordinator instance for a run. The run's
// private store lives at <dir>/<run_id>.db.
func (r *Registry) Open(ctx context.Context, run model.Run) (*Dispatcher, error) {
	r.mu.Lock()
	if d, ok := r.runs[run.ID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	def, err := r.defs.Get(ctx, run.DefID, run.DefVersion)
	if err != nil {
		return nil, err
	}
	engine, err := contexteng.New(def)
	if err != nil {
		return nil, fmt.Errorf("compile schemas for %s: %w", run.DefID, err)
	}

	st, err := store.Open(ctx, r.storePath(run.ID))
	if err != nil {
		return nil, err
	}

	emitter := trace.NewEmitter(trace.Opts{
		RunID:  run.ID,
		Stream: r.cfg.Redis.Stream,
		Sink:   r.sink,
		Logger: r.logger,
	}, 0)

	policy := retry.Policy{
		MaxAttempts:     r.cfg.Effects.MaxAttempts,
		InitialInterval: r.cfg.Effects.InitialInterval,
	}

	d := New(Opts{
		Run:     run,
		Store:   st,
		Loader:  NewLoader(r.defs),
		Planner: planner.New(planner.Opts{Evaluator: r.eval, Engine: engine}),
		Mutator: apply.NewStateExecutor(engine, r.logger),
		Emitter: emitter,
		Peers:   r.peers,
		Policy:  policy,
		Logger:  r.logger,
	})
	d.alarms = alarm.NewScheduler(d.Submit, r.logger)
	d.effects = apply.NewEffectExecutor(apply.EffectOpts{
		RunID:     run.ID,
		Store:     st,
		Executor:  r.executor,
		Resources: r.resources,
		Alarms:    d.alarms,
		Queue:     d,
		Policy:    policy,
		Logger:    r.logger,
	})

	r.mu.Lock()
	if existing, ok := r.runs[run.ID]; ok {
		// Lost a concurrent open; keep the first instance.
		r.mu.Unlock()
		d.alarms.Close()
		_ = st.Close()
		return existing, nil
	}
	r.runs[run.ID] = d
	r.mu.Unlock()

	// The loop outlives the request that opened the run.
	d.Start(context.Background(), r.teardown)
	r.logger.Info("coordinator instance opened", "run_id", run.ID, "def_id", run.DefID)
	return d, nil
}

// teardown removes a finished run and deletes its store
func (r *Registry) teardown(runID string) {
	r.mu.Lock()
	d, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()
	if !ok {
		return
	}

	d.alarms.Close()
	if err := d.st.Destroy(); err != nil {
		r.logger.Error("local store teardown failed", "run_id", runID, "error", err)
		return
	}
	r.logger.Info("coordinator instance torn down", "run_id", runID)
}

// Shutdown stops every live dispatcher without destroying stores, so runs
// resume after restart.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, d := range r.runs {
		d.Stop()
		d.alarms.Close()
		if err := d.st.Close(); err != nil {
			r.logger.Error("local store close failed", "run_id", runID, "error", err)
		}
	}
	r.runs = map[string]*Dispatcher{}
}

func (r *Registry) storePath(runID string) string {
	if r.cfg.LocalStore.Dir == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(r.cfg.LocalStore.Dir, runID+".db")
}
