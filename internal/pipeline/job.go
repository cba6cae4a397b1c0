package pipeline

import (
	"time"

	"github.com/dunamismax/pixelshift/internal/domain"
)

// Job is the state of one request while it moves through the pipeline. It is
// owned by a single goroutine and discarded once the response is built.
type Job struct {
	ID         string
	Spec       domain.TransformSpec
	Upload     domain.UploadArtifact
	InputPath  string
	OutputPath string
	WorkerPath string
	InputBytes int64
	Stdout     string
	Stderr     string
	ExitCode   *int
}

// StagedFiles lists the base names the job may have left in staging.
func (j *Job) StagedFiles(workerName string) []string {
	return []string{j.Upload.FileName(), j.Upload.ProcessedFileName(), workerName}
}

// Result is the outcome of a successful job.
type Result struct {
	JobID        string
	OriginalURL  string
	ProcessedURL string
	Output       string
	Duration     time.Duration
}
