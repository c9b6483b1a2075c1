package admin

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/cluster/hooks"
	"github.com/xiaonanln/pulsejob/protocol"
	pjerrors "github.com/xiaonanln/pulsejob/util/errors"
	"github.com/xiaonanln/pulsejob/util/postgres"
)

// InstanceStatus is the lifecycle state of one triggered job.
type InstanceStatus string

const (
	InstancePending         InstanceStatus = "PENDING"
	InstanceTransported     InstanceStatus = "TRANSPORTED"
	InstanceTransportFailed InstanceStatus = "TRANSPORT_FAILED"
	InstanceRunning         InstanceStatus = "RUNNING"
	InstanceSuccess         InstanceStatus = "SUCCESS"
	InstanceFailed          InstanceStatus = "FAILED"
	InstanceTimeout         InstanceStatus = "TIMEOUT"
)

// Rank orders statuses within one attempt. Terminal statuses share the top
// rank, so the first outcome of an attempt sticks.
func (s InstanceStatus) Rank() int {
	switch s {
	case InstancePending:
		return 0
	case InstanceTransported:
		return 1
	case InstanceRunning:
		return 2
	default:
		return 3
	}
}

func (s InstanceStatus) Terminal() bool { return s.Rank() == 3 }

// ErrInstanceNotFound is returned for an unknown instance id.
var ErrInstanceNotFound = errors.New("job instance not found")

// JobInstance is one trigger of a job. Its id is the trigger's invoke id;
// fail-over attempts update the same instance.
type JobInstance struct {
	ID        int64
	JobID     int64
	Executor  string
	Handler   string
	Status    InstanceStatus
	Attempt   int
	Address   string
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceUpdate moves an instance to Status. Stores drop updates for an
// earlier attempt and updates that do not raise the rank of the current one.
type InstanceUpdate struct {
	ID      int64
	Attempt int
	Status  InstanceStatus
	Address string
	Message string
}

// JobInstanceStore persists job instance lifecycles.
type JobInstanceStore interface {
	Create(ctx context.Context, inst *JobInstance) error
	Update(ctx context.Context, u InstanceUpdate) (bool, error)
	Get(ctx context.Context, id int64) (*JobInstance, error)
	ListByJob(ctx context.Context, jobID int64) ([]*JobInstance, error)
}

func applies(cur *JobInstance, u InstanceUpdate) bool {
	if u.Attempt != cur.Attempt {
		return u.Attempt > cur.Attempt
	}
	return u.Status.Rank() > cur.Status.Rank()
}

// MemoryInstanceStore keeps job instances in process memory, oldest evicted
// first once it holds more than its capacity.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[int64]*JobInstance
	order     []int64
	capacity  int
}

// DefaultInstanceCapacity bounds a MemoryInstanceStore built with zero.
const DefaultInstanceCapacity = 10000

func NewMemoryInstanceStore(capacity int) *MemoryInstanceStore {
	if capacity <= 0 {
		capacity = DefaultInstanceCapacity
	}
	return &MemoryInstanceStore{instances: make(map[int64]*JobInstance), capacity: capacity}
}

func (s *MemoryInstanceStore) Create(_ context.Context, inst *JobInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return errors.New("job instance already exists")
	}
	cp := *inst
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.instances[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	for len(s.order) > s.capacity {
		delete(s.instances, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryInstanceStore) Update(_ context.Context, u InstanceUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[u.ID]
	if !ok || !applies(cur, u) {
		return false, nil
	}
	cur.Attempt = u.Attempt
	cur.Status = u.Status
	if u.Address != "" {
		cur.Address = u.Address
	}
	cur.Message = u.Message
	cur.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryInstanceStore) Get(_ context.Context, id int64) (*JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryInstanceStore) ListByJob(_ context.Context, jobID int64) ([]*JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*JobInstance
	for _, inst := range s.instances {
		if inst.JobID == jobID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// PostgresInstanceStore keeps job instances in the pulsejob_job_instances table.
type PostgresInstanceStore struct {
	db *postgres.DB
}

// NewPostgresInstanceStore creates the schema if needed.
func NewPostgresInstanceStore(ctx context.Context, db *postgres.DB) (*PostgresInstanceStore, error) {
	if err := db.InitSchema(ctx); err != nil {
		return nil, err
	}
	return &PostgresInstanceStore{db: db}, nil
}

func (s *PostgresInstanceStore) Create(ctx context.Context, inst *JobInstance) error {
	return s.db.CreateJobInstance(ctx, postgres.JobInstanceRecord{
		ID:           inst.ID,
		JobID:        inst.JobID,
		ExecutorName: inst.Executor,
		Handler:      inst.Handler,
		Status:       string(inst.Status),
		StatusRank:   inst.Status.Rank(),
		Attempt:      inst.Attempt,
		Address:      inst.Address,
		Message:      inst.Message,
	})
}

func (s *PostgresInstanceStore) Update(ctx context.Context, u InstanceUpdate) (bool, error) {
	return s.db.UpdateJobInstance(ctx, u.ID, u.Attempt, string(u.Status), u.Status.Rank(), u.Address, u.Message)
}

func (s *PostgresInstanceStore) Get(ctx context.Context, id int64) (*JobInstance, error) {
	r, err := s.db.GetJobInstance(ctx, id)
	if errors.Is(err, postgres.ErrJobInstanceNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(r), nil
}

func (s *PostgresInstanceStore) ListByJob(ctx context.Context, jobID int64) ([]*JobInstance, error) {
	records, err := s.db.ListJobInstances(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*JobInstance, len(records))
	for i, r := range records {
		out[i] = fromRecord(r)
	}
	return out, nil
}

func fromRecord(r *postgres.JobInstanceRecord) *JobInstance {
	return &JobInstance{
		ID:        r.ID,
		JobID:     r.JobID,
		Executor:  r.ExecutorName,
		Handler:   r.Handler,
		Status:    InstanceStatus(r.Status),
		Attempt:   r.Attempt,
		Address:   r.Address,
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// lifecycleInterceptor records the lifecycle of TRIGGER_JOB invocations:
// created before the first write, TRANSPORTED or TRANSPORT_FAILED after each
// write, RUNNING on the executor's ACK, then SUCCESS, FAILED or TIMEOUT.
// Store calls run on the admin task pool, queued per instance.
type lifecycleInterceptor struct {
	a *Admin
}

func (l *lifecycleInterceptor) tracked(inv *hooks.Invocation) (*protocol.TriggerRequest, bool) {
	if inv.MessageType != protocol.TypeTriggerJob {
		return nil, false
	}
	req, ok := inv.Payload.(*protocol.TriggerRequest)
	return req, ok
}

func (l *lifecycleInterceptor) Before(inv *hooks.Invocation) error {
	req, ok := l.tracked(inv)
	if !ok {
		return nil
	}
	id, attempt := inv.InvokeID, inv.Attempt
	l.submit(id, func(ctx context.Context) error {
		if attempt > 0 {
			_, err := l.a.instances.Update(ctx, InstanceUpdate{ID: id, Attempt: attempt, Status: InstancePending})
			return err
		}
		return l.a.instances.Create(ctx, &JobInstance{
			ID:       id,
			JobID:    req.JobID,
			Executor: req.ExecutorName,
			Handler:  req.Handler,
			Status:   InstancePending,
		})
	})
	return nil
}

func (l *lifecycleInterceptor) AfterTransport(inv *hooks.Invocation, remote string, err error) {
	if _, ok := l.tracked(inv); !ok {
		return
	}
	u := InstanceUpdate{ID: inv.InvokeID, Attempt: inv.Attempt, Status: InstanceTransported, Address: remote}
	if err != nil {
		u.Status, u.Message = InstanceTransportFailed, err.Error()
	}
	l.update(u)
}

func (l *lifecycleInterceptor) Acknowledged(inv *hooks.Invocation, remote string) {
	if _, ok := l.tracked(inv); !ok {
		return
	}
	l.update(InstanceUpdate{ID: inv.InvokeID, Attempt: inv.Attempt, Status: InstanceRunning, Address: remote})
}

func (l *lifecycleInterceptor) After(inv *hooks.Invocation, resp *future.Response, err error) error {
	if _, ok := l.tracked(inv); !ok {
		return nil
	}
	u := InstanceUpdate{ID: inv.InvokeID, Attempt: inv.Attempt}
	switch {
	case pjerrors.IsTimeout(err):
		u.Status, u.Message = InstanceTimeout, err.Error()
	case err != nil:
		u.Status, u.Message = InstanceFailed, err.Error()
		var se *future.StatusError
		if errors.As(err, &se) && se.Result != nil && se.Result.Error != "" {
			u.Message = se.Result.Error
		}
	default:
		if resp == nil {
			return nil
		}
		r, ok := resp.Value.(*protocol.JobResult)
		if !ok {
			// A broadcast completes once its writes are done; the
			// transport updates already recorded them.
			return nil
		}
		u.Status, u.Message = InstanceSuccess, r.Value
		if !r.Success {
			u.Status, u.Message = InstanceFailed, r.Error
		}
	}
	l.update(u)
	return nil
}

func (l *lifecycleInterceptor) update(u InstanceUpdate) {
	l.submit(u.ID, func(ctx context.Context) error {
		_, err := l.a.instances.Update(ctx, u)
		return err
	})
}

func (l *lifecycleInterceptor) submit(id int64, fn func(ctx context.Context) error) {
	l.a.asyncKey(instanceKey(id), func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			l.a.logger.Warnf("Failed to record job instance #%d: %v", id, err)
		}
	})
}

func instanceKey(id int64) string {
	return "instance|" + strconv.FormatInt(id, 10)
}
