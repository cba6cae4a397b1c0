package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	cleanupMaxRetry = 3
	cleanupTimeout  = 30 * time.Second
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client    enqueuer
	queue     string
	retention time.Duration
}

// NewClient returns a client that schedules staging cleanup retention after
// each job.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, retention time.Duration) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		queue:     queueName,
		retention: retention,
	}
}

// ScheduleCleanup enqueues removal of a job's staged files. Scheduling the
// same job twice is a no-op.
func (c *Client) ScheduleCleanup(ctx context.Context, jobID string, files []string) error {
	task, err := NewCleanupTask(CleanupPayload{
		JobID:       jobID,
		Files:       files,
		ScheduledAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID("cleanup:"+jobID),
		asynq.ProcessIn(c.retention),
		asynq.MaxRetry(cleanupMaxRetry),
		asynq.Timeout(cleanupTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}
