package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeCleanupStaging = "staging:cleanup"

// CleanupPayload names the staged files of one finished job.
type CleanupPayload struct {
	JobID       string    `json:"job_id"`
	Files       []string  `json:"files"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func NewCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cleanup payload: %w", err)
	}
	return asynq.NewTask(TypeCleanupStaging, body), nil
}

func ParseCleanupPayload(task *asynq.Task) (CleanupPayload, error) {
	var payload CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CleanupPayload{}, fmt.Errorf("unmarshal cleanup payload: %w", err)
	}
	if payload.JobID == "" {
		return CleanupPayload{}, fmt.Errorf("cleanup payload has no job_id")
	}
	return payload, nil
}
