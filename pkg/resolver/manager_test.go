package resolver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"tagpin/pkg/hashing"
	"tagpin/pkg/store"
)

func TestManagerReusesResolverPerWorkflow(t *testing.T) {
	t.Parallel()

	svc := hashing.NewMemory()
	img := mustImage(t, "example.com/repo/img:1")
	dgst := digest.Digest("sha256:" + strings.Repeat("c", 64))
	svc.AddImage(img, dgst)

	m, err := NewManager(newTestDriver(t, svc), store.NewMemory(),
		WithStartMode(StartModeFresh),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first, err := m.Resolve(context.Background(), "wf-1", "example.com/repo/img:1")
	require.NoError(t, err)
	second, err := m.Resolve(context.Background(), "wf-1", "example.com/repo/img:1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	// Same workflow, same resolver, so the second request is a cache hit.
	require.Equal(t, 1, svc.Lookups(img))

	// A different workflow gets its own instance and its own lookup.
	_, err = m.Resolve(context.Background(), "wf-2", "example.com/repo/img:1")
	require.NoError(t, err)
	require.Equal(t, 2, svc.Lookups(img))
}

func TestManagerSweepsIdleWorkflows(t *testing.T) {
	t.Parallel()

	svc := hashing.NewMemory()
	img := mustImage(t, "example.com/repo/img:1")
	dgst := digest.Digest("sha256:" + strings.Repeat("d", 64))
	svc.AddImage(img, dgst)

	m, err := NewManager(newTestDriver(t, svc), store.NewMemory(),
		WithStartMode(StartModeFresh),
		WithIdleWorkflowTTL(50*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = m.Resolve(context.Background(), "wf-idle", "example.com/repo/img:1")
	require.NoError(t, err)
	require.Equal(t, 1, svc.Lookups(img))

	// After the idle TTL the resolver is torn down; a fresh-mode instance
	// has to look the tag up again.
	require.Eventually(t, func() bool {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return len(m.workflows) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = m.Resolve(context.Background(), "wf-idle", "example.com/repo/img:1")
	require.NoError(t, err)
	require.Equal(t, 2, svc.Lookups(img))
}

func TestManagerOptionValidation(t *testing.T) {
	t.Parallel()

	svc := hashing.NewMemory()
	_, err := NewManager(newTestDriver(t, svc), store.NewMemory(), WithStartMode(StartMode("resume")))
	require.Error(t, err)
	_, err = NewManager(newTestDriver(t, svc), store.NewMemory(), WithIdleWorkflowTTL(0))
	require.Error(t, err)
}
