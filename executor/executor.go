// Package executor is the job-running side: it keeps pooled connections to
// every admin, registers itself on each, and runs triggered jobs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/connector"
	"github.com/xiaonanln/pulsejob/cluster/etcdmanager"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/transport"
	"github.com/xiaonanln/pulsejob/util/callcontext"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/timer"
	"github.com/xiaonanln/pulsejob/util/uniqueid"
	"github.com/xiaonanln/pulsejob/util/workerpool"
)

const DefaultHeartbeatInterval = 10 * time.Second

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrBusy             = errors.New("executor busy")
)

// Config tunes a Client. Zero values select defaults.
type Config struct {
	// Name is the executor name admins route jobs by.
	Name string
	// Address identifies this instance; every connection registers under it.
	Address string
	// Admins is the static admin list, merged with the etcd view when present.
	Admins []string

	PoolSize          int
	HeartbeatInterval time.Duration
	BackoffUnit       time.Duration
	Serializer        serializer.Code
	MaxBodySize       int
	IdleTimeout       time.Duration

	Workers     int
	WorkerQueue int
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("executor name is required")
	}
	if c.Address == "" {
		return errors.New("executor address is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Serializer == 0 {
		c.Serializer = serializer.JSON
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return nil
}

// Dependencies are collaborators a Client uses but does not own.
type Dependencies struct {
	// Etcd, when set and connected, supplies admin addresses.
	Etcd  *etcdmanager.EtcdManager
	Timer timer.Timer
	// Dial replaces the TCP dialer, for tests.
	Dial connector.DialFunc
}

// Client runs registered handlers for the jobs admins trigger.
type Client struct {
	cfg         Config
	logger      *logger.Logger
	serializers *serializer.Registry
	connector   *connector.Connector
	etcd        *etcdmanager.EtcdManager
	timer       timer.Timer
	ownTimer    bool
	pool        *workerpool.WorkerPool
	ids         *uniqueid.Sequence

	mu       sync.RWMutex
	handlers map[string]Handler
	admins   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Dependencies) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         cfg,
		logger:      logger.NewLogger(fmt.Sprintf("Executor(%s)", cfg.Name)),
		serializers: serializer.NewDefaultRegistry(),
		etcd:        deps.Etcd,
		timer:       deps.Timer,
		ids:         uniqueid.NewSequence(0),
		handlers:    make(map[string]Handler),
	}
	if _, err := c.serializers.Get(cfg.Serializer); err != nil {
		return nil, err
	}
	if c.timer == nil {
		c.timer = timer.NewHashedWheel(0, 0)
		c.ownTimer = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = workerpool.NewNamed(c.ctx, "executor", cfg.Workers, cfg.WorkerQueue)
	c.connector = connector.New(&processor{c: c}, transport.Options{
		MaxBodySize: cfg.MaxBodySize,
		IdleTimeout: cfg.IdleTimeout,
	}, connector.Options{
		PoolSize:    cfg.PoolSize,
		BackoffUnit: cfg.BackoffUnit,
		Timer:       c.timer,
		Dial:        deps.Dial,
	})
	return c, nil
}

// Handle registers h under name. Handlers must be registered before Start.
func (c *Client) Handle(name string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	c.handlers[name] = h
	return nil
}

func (c *Client) handler(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

// Start connects to the admins and begins heartbeating.
func (c *Client) Start(ctx context.Context) error {
	c.pool.Start()
	c.connector.Start(c.ctx)

	if c.etcd != nil && c.etcd.GetClient() != nil {
		c.etcd.OnAdminsChanged(c.SetAdmins)
		if err := c.etcd.WatchAdmins(ctx); err != nil {
			return fmt.Errorf("watch admins: %w", err)
		}
	} else {
		c.SetAdmins(nil)
	}

	c.wg.Add(1)
	go c.heartbeatLoop()
	c.logger.Infof("Executor %s started as %s", c.cfg.Name, c.cfg.Address)
	return nil
}

// SetAdmins replaces the discovered admin list; static admins always stay.
func (c *Client) SetAdmins(discovered []string) {
	all := slices.Clone(c.cfg.Admins)
	for _, a := range discovered {
		if !slices.Contains(all, a) {
			all = append(all, a)
		}
	}
	slices.Sort(all)
	c.mu.Lock()
	c.admins = all
	c.mu.Unlock()
	c.connector.SetAddresses(all)
}

// Admins returns the admin addresses currently targeted.
func (c *Client) Admins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.admins)
}

// WaitForAvailable blocks until at least one admin connection is usable.
func (c *Client) WaitForAvailable(ctx context.Context) error {
	return c.connector.WaitForAvailable(ctx)
}

func (c *Client) NumConnections() int { return c.connector.NumConnections() }

// Stop closes every admin connection and waits for running jobs.
func (c *Client) Stop() {
	c.cancel()
	c.connector.Stop()
	c.wg.Wait()
	c.pool.Stop()
	if c.ownTimer {
		c.timer.Stop()
	}
	c.logger.Infof("Executor %s stopped", c.cfg.Name)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

func (c *Client) heartbeat() {
	body, err := c.serializers.Encode(c.cfg.Serializer, &protocol.HeartbeatMessage{
		ExecutorName: c.cfg.Name,
		Address:      c.cfg.Address,
		Timestamp:    time.Now(),
	})
	if err != nil {
		c.logger.Errorf("Failed to encode heartbeat: %v", err)
		return
	}
	for _, conn := range c.connector.Connections() {
		conn.Write(protocol.NewFrame(uint8(c.cfg.Serializer), protocol.TypeHeartbeat, protocol.StatusOK, c.ids.Next(), body), nil)
	}
}

func (c *Client) register(conn Writer) {
	body, err := c.serializers.Encode(c.cfg.Serializer, &protocol.RegisterRequest{
		ExecutorName: c.cfg.Name,
		Address:      c.cfg.Address,
	})
	if err != nil {
		c.logger.Errorf("Failed to encode registration: %v", err)
		return
	}
	conn.Write(protocol.NewFrame(uint8(c.cfg.Serializer), protocol.TypeRegisterExecutor, protocol.StatusOK, c.ids.Next(), body), nil)
}

// trigger handles one TRIGGER_JOB frame arriving on w.
func (c *Client) trigger(w Writer, remote string, f *protocol.Frame) {
	w.Write(protocol.NewAck(f.InvokeID), nil)

	code := serializer.Code(f.SerializerCode)
	var req protocol.TriggerRequest
	if err := c.serializers.Decode(code, f.Body, &req); err != nil {
		c.logger.Warnf("Undecodable trigger #%d from %s: %v", f.InvokeID, remote, err)
		c.reply(w, f, protocol.StatusDeserializationFail, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		c.reply(w, f, protocol.StatusBadRequest, err.Error())
		return
	}
	h, ok := c.handler(req.Handler)
	if !ok {
		c.logger.Warnf("No handler %q for job %d from %s", req.Handler, req.JobID, remote)
		c.reply(w, f, protocol.StatusServiceNotFound, "handler not found: "+req.Handler)
		return
	}

	job := &Job{
		ID:          req.JobID,
		InvokeID:    f.InvokeID,
		Handler:     req.Handler,
		Params:      req.Params,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		w:           w,
		code:        code,
		serializers: c.serializers,
	}
	if err := c.pool.Execute(func(ctx context.Context) { c.run(ctx, h, job) }); err != nil {
		c.logger.Warnf("Rejecting job %d: %v", req.JobID, err)
		c.reply(w, f, protocol.StatusServerError, fmt.Sprintf("%v: %v", ErrBusy, err))
	}
}

func (c *Client) run(ctx context.Context, h Handler, job *Job) {
	ctx = callcontext.WithExecutor(ctx, c.cfg.Name)
	ctx = callcontext.WithJobID(ctx, job.ID)
	ctx = callcontext.WithInvokeID(ctx, job.InvokeID)
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	status := protocol.StatusOK
	var result protocol.JobResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorf("Handler %s panicked on job %d: %v", job.Handler, job.ID, r)
				status = protocol.StatusServiceUnexpectedError
				result = protocol.JobResult{Error: fmt.Sprintf("handler panic: %v", r)}
			}
		}()
		value, err := h(ctx, job)
		if err != nil {
			result = protocol.JobResult{Error: err.Error()}
			return
		}
		result = protocol.JobResult{Success: true, Value: value}
	}()

	if err := job.finish(status, &result); err != nil {
		c.logger.Errorf("Failed to report job %d: %v", job.ID, err)
	}
}

// reply sends a RESPONSE with an ErrorResponse body.
func (c *Client) reply(w Writer, f *protocol.Frame, status protocol.Status, message string) {
	code := serializer.Code(f.SerializerCode)
	if _, err := c.serializers.Get(code); err != nil {
		code = serializer.JSON
	}
	body, err := c.serializers.Encode(code, &protocol.ErrorResponse{Message: message})
	if err != nil {
		body, code = nil, 0
	}
	w.Write(protocol.NewFrame(uint8(code), protocol.TypeResponse, status, f.InvokeID, body), nil)
}

type processor struct {
	c *Client
}

func (p *processor) OnActive(conn *transport.Connection) {
	p.c.logger.Infof("Connected to admin %s", conn.RemoteAddress())
	p.c.register(conn)
}

func (p *processor) OnFrame(conn *transport.Connection, f *protocol.Frame) {
	switch f.MessageType {
	case protocol.TypeTriggerJob:
		p.c.trigger(conn, conn.RemoteAddress(), f)
	case protocol.TypeResponse:
		if !f.Status.OK() {
			var er protocol.ErrorResponse
			_ = p.c.serializers.Decode(serializer.Code(f.SerializerCode), f.Body, &er)
			p.c.logger.Warnf("Admin %s rejected #%d with %s: %s", conn.RemoteAddress(), f.InvokeID, f.Status, er.Message)
		}
	case protocol.TypeAck, protocol.TypeHeartbeat:
	default:
		p.c.logger.Warnf("Unexpected %s from admin %s", f.MessageType, conn.RemoteAddress())
	}
}

func (p *processor) OnInactive(conn *transport.Connection) {
	p.c.logger.Infof("Disconnected from admin %s", conn.RemoteAddress())
}
