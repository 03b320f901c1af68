package hashing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"

	"tagpin/pkg/oci"
)

var _ Service = &Memory{}

// Memory is an in-memory Service for tests and local development.
// Responses are scripted per canonical reference.
type Memory struct {
	mutex        sync.Mutex
	digests      map[string]digest.Digest
	errs         map[string]error
	backpressure map[string]int
	lookups      map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		digests:      map[string]digest.Digest{},
		errs:         map[string]error{},
		backpressure: map[string]int{},
		lookups:      map[string]int{},
	}
}

func (m *Memory) Digest(ctx context.Context, img oci.Image) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := img.String()
	m.lookups[key]++
	if remaining := m.backpressure[key]; remaining > 0 {
		m.backpressure[key] = remaining - 1
		return "", ErrBackpressure
	}
	if err := m.errs[key]; err != nil {
		return "", err
	}
	if img.IsDigestPinned() {
		return img.Digest, nil
	}
	dgst, ok := m.digests[key]
	if !ok {
		return "", errors.Join(errdefs.ErrNotFound, fmt.Errorf("no digest known for image %s", key))
	}
	return dgst, nil
}

// AddImage scripts a successful digest response for an image.
func (m *Memory) AddImage(img oci.Image, dgst digest.Digest) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.digests[img.String()] = dgst
}

// AddError scripts a failure for an image. Passing nil heals it.
func (m *Memory) AddError(img oci.Image, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.errs[img.String()] = err
}

// AddBackpressure makes the next count lookups for an image respond with
// ErrBackpressure before the scripted response applies.
func (m *Memory) AddBackpressure(img oci.Image, count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backpressure[img.String()] = count
}

// Lookups returns how many times an image has been looked up.
func (m *Memory) Lookups(img oci.Image) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.lookups[img.String()]
}
