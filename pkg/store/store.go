package store

import "context"

// Store is the durable mapping from (workflow, image reference) to digest.
// Both operations are invoked asynchronously by the resolver; completions
// re-enter its message loop.
type Store interface {
	// LoadAll returns every persisted mapping for a workflow, keyed by the
	// stored reference string. When the same reference was written more
	// than once the last write wins.
	LoadAll(ctx context.Context, workflowID string) (map[string]string, error)
	// Put appends one resolved mapping.
	Put(ctx context.Context, workflowID, image, dgst string) error
}
