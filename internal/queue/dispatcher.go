package queue

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/core"
)

const (
	// QueueName is the asynq queue diff jobs are placed on.
	QueueName  = "pdiff"
	maxRetries = 5
)

// Enqueuer is the subset of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Inspector is the subset of *asynq.Inspector used to revive archived tasks.
type Inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	RunTask(queue, id string) error
}

// Dispatcher puts core jobs on asynq. Jobs with a key get a deterministic
// task id, so a job already waiting in the queue is not added twice.
type Dispatcher struct {
	client    Enqueuer
	inspector Inspector
}

type Option func(*Dispatcher)

// WithInspector makes Enqueue move an archived task with the same id back to
// pending. Without it such a job stays archived until run by hand.
func WithInspector(i Inspector) Option {
	return func(d *Dispatcher) {
		d.inspector = i
	}
}

func NewDispatcher(client Enqueuer, opts ...Option) *Dispatcher {
	d := &Dispatcher{client: client}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TaskID returns the asynq task id for a job.
func TaskID(job core.Job) string {
	return job.Topic + ":" + job.Key
}

func (d *Dispatcher) Enqueue(ctx context.Context, job core.Job) error {
	task := asynq.NewTask(job.Topic, job.Payload)
	opts := []asynq.Option{asynq.Queue(QueueName), asynq.MaxRetry(maxRetries)}
	if job.Key != "" {
		opts = append(opts, asynq.TaskID(TaskID(job)))
	}
	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return d.revive(TaskID(job))
		}
		return goerr.Wrap(err, "failed to enqueue task", goerr.V("topic", job.Topic), goerr.V("key", job.Key))
	}
	return nil
}

// revive runs an archived task again. Tasks in any other state are already
// on their way to a worker.
func (d *Dispatcher) revive(id string) error {
	if d.inspector == nil {
		return nil
	}
	info, err := d.inspector.GetTaskInfo(QueueName, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return nil
		}
		return goerr.Wrap(err, "failed to inspect task", goerr.V("task_id", id))
	}
	if info.State != asynq.TaskStateArchived {
		return nil
	}
	if err := d.inspector.RunTask(QueueName, id); err != nil {
		return goerr.Wrap(err, "failed to run archived task", goerr.V("task_id", id))
	}
	return nil
}
