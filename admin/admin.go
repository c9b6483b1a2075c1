// Package admin is the dispatching side: it accepts executor connections,
// keeps the endpoint registry current and triggers jobs through the cluster
// invokers.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/dispatch"
	"github.com/xiaonanln/pulsejob/cluster/etcdmanager"
	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/cluster/hooks"
	"github.com/xiaonanln/pulsejob/cluster/invoker"
	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/cluster/registry"
	"github.com/xiaonanln/pulsejob/notify"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/transport"
	"github.com/xiaonanln/pulsejob/util/callcontext"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/taskpool"
	"github.com/xiaonanln/pulsejob/util/timer"
	"github.com/xiaonanln/pulsejob/util/uniqueid"
	"go.opentelemetry.io/otel/trace"
)

// JobTimeoutSlack is added to a job's own timeout to form the dispatch timeout.
const JobTimeoutSlack = 5 * time.Second

// Config tunes an Admin. Zero values select defaults.
type Config struct {
	ListenAddress string
	// AdvertiseAddress is published in etcd; empty means the bound listen address.
	AdvertiseAddress string
	// GRPCAddress serves the health service; empty disables it.
	GRPCAddress    string
	MaxBodySize    int
	IdleTimeout    time.Duration
	MaxConnections int

	Balancer       loadbalance.Type
	Strategy       invoker.Strategy
	Retries        int
	DefaultTimeout time.Duration
	Serializer     serializer.Code
	BroadcastMode  dispatch.BroadcastMode
	// LossInterval is how long an executor instance without connections stays selectable.
	LossInterval time.Duration

	Workers     int
	WorkerQueue int

	// RateLimit caps triggers per second per executor; zero disables it.
	RateLimit float64
	RateBurst int
}

func (c *Config) setDefaults() {
	if c.Balancer == "" {
		c.Balancer = loadbalance.RoundRobin
	}
	if c.Strategy == "" {
		c.Strategy = invoker.FailFast
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = dispatch.DefaultTimeout
	}
	if c.Serializer == 0 {
		c.Serializer = serializer.JSON
	}
	if c.LossInterval <= 0 {
		c.LossInterval = nodegroup.DefaultLossInterval
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
}

// Dependencies are the collaborators an Admin uses but does not own.
type Dependencies struct {
	Store ExecutorStore
	// Instances records job instance lifecycles; nil keeps them in memory.
	Instances JobInstanceStore
	Notifier  notify.Notifier
	// Etcd, when set and connected, receives the admin's leased address on Start.
	Etcd   *etcdmanager.EtcdManager
	Timer  timer.Timer
	Tracer trace.Tracer
	// Filters run in front of the built-in validation and rate limit filters.
	Filters []hooks.Filter
}

// Admin dispatches jobs to connected executors.
type Admin struct {
	cfg    Config
	logger *logger.Logger

	serializers  *serializer.Registry
	pending      *future.Table
	registry     *registry.Registry
	balancers    *loadbalance.Registry
	dispatchers  *dispatch.Registry
	invokers     *invoker.Registry
	interceptors *hooks.InterceptorChain
	filters      *hooks.FilterChain
	ids          *uniqueid.Sequence

	timer     timer.Timer
	ownTimer  bool
	pool      *taskpool.TaskPool
	store     ExecutorStore
	instances JobInstanceStore
	notifier  notify.Notifier
	etcd      *etcdmanager.EtcdManager
	health    *HealthService

	// online holds "executor|address" of instances with a live connection.
	online sync.Map

	acceptor  *transport.Acceptor
	advertise string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New builds the registries in dependency order: serializers, pending
// table, endpoint registry, balancers, dispatchers, invokers.
func New(cfg Config, deps Dependencies) (*Admin, error) {
	cfg.setDefaults()
	if _, err := invoker.ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}

	a := &Admin{
		cfg:       cfg,
		logger:    logger.NewLogger("Admin"),
		store:     deps.Store,
		instances: deps.Instances,
		notifier:  deps.Notifier,
		etcd:      deps.Etcd,
		timer:     deps.Timer,
		ids:       uniqueid.NewClockSequence(),
	}
	if a.store == nil {
		a.store = NewMemoryStore()
	}
	if a.instances == nil {
		a.instances = NewMemoryInstanceStore(0)
	}
	if a.notifier == nil {
		a.notifier = notify.NewLogNotifier()
	}
	if a.timer == nil {
		a.timer = timer.NewHashedWheel(0, 0)
		a.ownTimer = true
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.pool = taskpool.NewNamed("admin", cfg.Workers, cfg.WorkerQueue)

	a.serializers = serializer.NewDefaultRegistry()
	if _, err := a.serializers.Get(cfg.Serializer); err != nil {
		return nil, err
	}
	a.pending = future.NewTable()
	a.registry = registry.New(nodegroup.WithLossInterval(cfg.LossInterval))

	a.balancers = loadbalance.NewDefaultRegistry()
	balancer, err := a.balancers.Get(cfg.Balancer)
	if err != nil {
		return nil, err
	}

	tracing := hooks.NewTracingInterceptor()
	if deps.Tracer != nil {
		tracing = hooks.NewTracingInterceptorWithTracer(deps.Tracer)
	}
	a.interceptors = hooks.NewInterceptorChain(
		hooks.NewLoggingInterceptor(),
		hooks.NewMetricsInterceptor(),
		tracing,
		&lifecycleInterceptor{a: a},
	)

	opts := dispatch.Options{
		Registry:       a.registry,
		Balancer:       balancer,
		Serializers:    a.serializers,
		Pending:        a.pending,
		Timer:          a.timer,
		Interceptors:   a.interceptors,
		DefaultTimeout: cfg.DefaultTimeout,
		IDs:            a.ids,
	}
	a.dispatchers = dispatch.NewRegistry()
	if err := a.dispatchers.Register(dispatch.NewUnicast(opts)); err != nil {
		return nil, err
	}
	if err := a.dispatchers.Register(dispatch.NewBroadcast(opts, cfg.BroadcastMode)); err != nil {
		return nil, err
	}
	if a.invokers, err = invoker.NewDefaultRegistry(a.dispatchers, cfg.Retries); err != nil {
		return nil, err
	}

	filters := append([]hooks.Filter{}, deps.Filters...)
	filters = append(filters, hooks.NewValidationFilter())
	if cfg.RateLimit > 0 {
		filters = append(filters, hooks.NewRateLimitFilter(cfg.RateLimit, cfg.RateBurst))
	}
	a.filters = hooks.NewFilterChain(a.invoke, filters...)

	if cfg.GRPCAddress != "" {
		a.health = NewHealthService()
	}
	return a, nil
}

// Start binds the listeners and begins accepting executors.
func (a *Admin) Start(ctx context.Context) error {
	acceptor, err := transport.Listen(a.cfg.ListenAddress, &processor{a: a}, transport.Options{
		MaxBodySize: a.cfg.MaxBodySize,
		IdleTimeout: a.cfg.IdleTimeout,
	}, a.cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.ListenAddress, err)
	}
	a.acceptor = acceptor
	a.pool.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := acceptor.Serve(a.ctx); err != nil {
			a.logger.Errorf("Acceptor stopped: %v", err)
		}
	}()

	if a.health != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPCAddress)
		if err != nil {
			a.Stop()
			return fmt.Errorf("listen on %s: %w", a.cfg.GRPCAddress, err)
		}
		a.health.SetServing("", true)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.health.Serve(lis); err != nil {
				a.logger.Errorf("Health service stopped: %v", err)
			}
		}()
	}

	a.advertise = a.cfg.AdvertiseAddress
	if a.advertise == "" {
		a.advertise = acceptor.Addr()
	}
	if a.etcd != nil && a.etcd.GetClient() != nil {
		if err := a.etcd.RegisterAdmin(ctx, a.advertise); err != nil {
			a.Stop()
			return fmt.Errorf("register admin in etcd: %w", err)
		}
	}
	a.logger.Infof("Admin started on %s (balancer=%s strategy=%s serializer=%s)",
		acceptor.Addr(), a.cfg.Balancer, a.cfg.Strategy, a.cfg.Serializer)
	return nil
}

// Addr returns the bound executor listen address.
func (a *Admin) Addr() string {
	if a.acceptor == nil {
		return ""
	}
	return a.acceptor.Addr()
}

// Stop closes every connection, failing the invocations still pending on them.
func (a *Admin) Stop() {
	a.stopOnce.Do(func() {
		if a.etcd != nil && a.etcd.GetClient() != nil && a.advertise != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.etcd.UnregisterAdmin(ctx, a.advertise); err != nil {
				a.logger.Warnf("Failed to unregister from etcd: %v", err)
			}
			cancel()
		}
		if a.acceptor != nil {
			a.acceptor.Close()
		}
		if a.health != nil {
			a.health.Stop()
		}
		a.cancel()
		a.wg.Wait()
		a.pool.Stop()
		if a.ownTimer {
			a.timer.Stop()
		}
		a.logger.Infof("Admin stopped")
	})
}

func (a *Admin) Registry() *registry.Registry      { return a.registry }
func (a *Admin) Pending() *future.Table            { return a.pending }
func (a *Admin) Serializers() *serializer.Registry { return a.serializers }
func (a *Admin) Store() ExecutorStore              { return a.store }
func (a *Admin) JobInstances() JobInstanceStore    { return a.instances }

// Instances lists the available instance addresses of executor.
func (a *Admin) Instances(executor string) []string {
	var addrs []string
	for _, g := range a.registry.Find(executor).Snapshot() {
		if g.IsAvailable() {
			addrs = append(addrs, g.Address())
		}
	}
	return addrs
}

// TriggerOptions describe one job trigger. Zero values take the admin defaults.
type TriggerOptions struct {
	Executor       string
	Handler        string
	JobID          int64
	Params         map[string]string
	TimeoutSeconds int32

	Strategy   invoker.Strategy
	Dispatch   dispatch.Type
	Serializer serializer.Code
	// RouteKey feeds consistent hashing; empty means the job id.
	RouteKey string
	// Retries overrides the fail-over retry count when positive.
	Retries int
}

// Timeout returns the dispatch timeout for a job timeout of jobSeconds.
func Timeout(jobSeconds int32, fallback time.Duration) time.Duration {
	if jobSeconds > 0 {
		return time.Duration(jobSeconds)*time.Second + JobTimeoutSlack
	}
	return fallback
}

type callKey struct{}

type call struct {
	inv invoker.Invoker
	req *dispatch.Request
}

// Trigger runs opts through the filter chain and the selected invoker. The
// error is set when the trigger could not be started; the outcome of a
// started trigger arrives on the future.
func (a *Admin) Trigger(ctx context.Context, opts TriggerOptions) (*future.Future, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = a.cfg.Strategy
	}
	dt := opts.Dispatch
	if dt == "" {
		dt = dispatch.Unicast
	}
	inv, err := a.invokers.Get(strategy, dt)
	if err != nil {
		return nil, err
	}

	code := opts.Serializer
	if code == 0 {
		code = a.cfg.Serializer
	}
	if code == serializer.Protobuf && !serializer.SafeInteger(opts.JobID) {
		return nil, fmt.Errorf("job id %d on %s: %w", opts.JobID, code, serializer.ErrUnsafeInteger)
	}
	routeKey := opts.RouteKey
	if routeKey == "" {
		routeKey = strconv.FormatInt(opts.JobID, 10)
	}
	payload := &protocol.TriggerRequest{
		ExecutorName:   opts.Executor,
		Handler:        opts.Handler,
		JobID:          opts.JobID,
		Params:         opts.Params,
		TimeoutSeconds: opts.TimeoutSeconds,
	}
	req := &dispatch.Request{
		Endpoint:    opts.Executor,
		InvokeID:    a.ids.Next(),
		MessageType: protocol.TypeTriggerJob,
		Serializer:  code,
		Payload:     payload,
		Timeout:     Timeout(opts.TimeoutSeconds, a.cfg.DefaultTimeout),
		RouteKey:    routeKey,
		Method:      opts.Handler,
		Retries:     opts.Retries,
	}

	ctx = callcontext.WithExecutor(ctx, opts.Executor)
	ctx = callcontext.WithJobID(ctx, opts.JobID)
	ctx = callcontext.WithInvokeID(ctx, req.InvokeID)
	hinv := hooks.NewInvocation(ctx, req.Endpoint, req.Method, req.InvokeID)
	hinv.MessageType = req.MessageType
	hinv.DispatchType = string(dt)
	hinv.Payload = payload
	return a.filters.Invoke(context.WithValue(ctx, callKey{}, &call{inv: inv, req: req}), hinv)
}

// invoke terminates the filter chain.
func (a *Admin) invoke(ctx context.Context, _ *hooks.Invocation) (*future.Future, error) {
	c, ok := ctx.Value(callKey{}).(*call)
	if !ok {
		return nil, errors.New("admin: filter chain invoked without a call")
	}
	return c.inv.Invoke(ctx, c.req), nil
}

// TriggerAndWait triggers and waits for the job result.
func (a *Admin) TriggerAndWait(ctx context.Context, opts TriggerOptions) (*protocol.JobResult, error) {
	f, err := a.Trigger(ctx, opts)
	if err != nil {
		return nil, err
	}
	resp, err := f.Get(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if r, ok := resp.Value.(*protocol.JobResult); ok {
		return r, nil
	}
	return nil, nil
}

// async queues fn behind earlier work for the same executor instance.
func (a *Admin) async(executor, address string, fn func(ctx context.Context)) {
	a.asyncKey(executor+"|"+address, fn)
}

// asyncKey queues fn behind earlier work submitted under key. A full queue
// runs fn inline; a stopped admin drops it.
func (a *Admin) asyncKey(key string, fn func(ctx context.Context)) {
	err := a.pool.SubmitByKey(key, fn)
	switch {
	case err == nil:
	case errors.Is(err, taskpool.ErrStopped):
		a.logger.Debugf("Dropping side effect for %s after stop", key)
	default:
		a.logger.Warnf("Task pool refused work for %s (%v), running inline", key, err)
		fn(a.ctx)
	}
}
