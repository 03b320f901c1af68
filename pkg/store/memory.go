package store

import (
	"context"
	"sync"
)

var _ Store = &Memory{}

// Memory keeps mappings in process. Used by tests and for running without
// a database; it offers no durability across restarts.
type Memory struct {
	mutex    sync.Mutex
	rows     map[string]map[string]string
	putErr   error
	loadErr  error
	putCount int
}

func NewMemory() *Memory {
	return &Memory{
		rows: map[string]map[string]string{},
	}
}

func (m *Memory) LoadAll(ctx context.Context, workflowID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}
	mappings := map[string]string{}
	for image, dgst := range m.rows[workflowID] {
		mappings[image] = dgst
	}
	return mappings, nil
}

func (m *Memory) Put(ctx context.Context, workflowID, image, dgst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.putCount++
	if m.putErr != nil {
		return m.putErr
	}
	if m.rows[workflowID] == nil {
		m.rows[workflowID] = map[string]string{}
	}
	m.rows[workflowID][image] = dgst
	return nil
}

// Seed inserts a mapping directly, bypassing error injection.
func (m *Memory) Seed(workflowID, image, dgst string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.rows[workflowID] == nil {
		m.rows[workflowID] = map[string]string{}
	}
	m.rows[workflowID][image] = dgst
}

// SetPutError makes every subsequent Put fail with err. Pass nil to heal.
func (m *Memory) SetPutError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.putErr = err
}

// SetLoadError makes every subsequent LoadAll fail with err.
func (m *Memory) SetLoadError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.loadErr = err
}

// PutCount returns how many Put calls have been made, failed ones included.
func (m *Memory) PutCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.putCount
}
