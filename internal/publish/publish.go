// Package publish makes finished job artifacts reachable by clients.
package publish

import (
	"context"
)

// Artifacts names the two staged files of a successful job. The Name fields
// are the public names; both embed the job id so they never collide.
type Artifacts struct {
	JobID         string
	OriginalPath  string
	OriginalName  string
	ProcessedPath string
	ProcessedName string
}

// URLs are client-resolvable locations of the published artifacts.
type URLs struct {
	Original  string
	Processed string
}

type Publisher interface {
	Publish(ctx context.Context, a Artifacts) (URLs, error)
}
