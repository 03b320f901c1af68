package hashing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"tagpin/pkg/oci"
)

var testDigest = digest.Digest("sha256:" + strings.Repeat("a", 64))

func mustImage(t *testing.T, ref string) oci.Image {
	t.Helper()
	img, err := oci.Parse(ref)
	require.NoError(t, err)
	return img
}

type blockingService struct{}

func (blockingService) Digest(ctx context.Context, img oci.Image) (digest.Digest, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDriverResolve(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	img := mustImage(t, "example.com/repo/img:1")
	svc.AddImage(img, testDigest)
	driver, err := NewDriver(svc)
	require.NoError(t, err)

	dgst, err := driver.Resolve(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, testDigest, dgst)
	require.Equal(t, 1, svc.Lookups(img))
}

func TestDriverRetriesBackpressure(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	img := mustImage(t, "example.com/repo/img:1")
	svc.AddImage(img, testDigest)
	svc.AddBackpressure(img, 2)
	driver, err := NewDriver(svc,
		WithBackpressureBase(20*time.Millisecond),
		WithJitterFactor(0.5),
	)
	require.NoError(t, err)

	start := time.Now()
	dgst, err := driver.Resolve(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, testDigest, dgst)
	require.Equal(t, 3, svc.Lookups(img))
	// Two re-sends, each delayed at least base*(1-factor).
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDriverDoesNotRetryLookupErrors(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	img := mustImage(t, "example.com/repo/img:1")
	svc.AddError(img, errors.Join(errdefs.ErrNotFound, errors.New("manifest unknown")))
	driver, err := NewDriver(svc)
	require.NoError(t, err)

	_, err = driver.Resolve(context.Background(), img)
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
	require.Equal(t, 1, svc.Lookups(img))
}

func TestDriverRequestTimeout(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(blockingService{}, WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = driver.Resolve(context.Background(), mustImage(t, "example.com/repo/img:1"))
	require.ErrorIs(t, err, ErrLookupTimeout)
}

func TestDriverPropagatesCancellation(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(blockingService{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = driver.Resolve(ctx, mustImage(t, "example.com/repo/img:1"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrLookupTimeout)
}

func TestDriverOptionValidation(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	_, err := NewDriver(svc, WithBackpressureBase(0))
	require.Error(t, err)
	_, err = NewDriver(svc, WithJitterFactor(1.5))
	require.Error(t, err)
	_, err = NewDriver(svc, WithRequestTimeout(0))
	require.Error(t, err)
}

func TestMemoryDigestPinnedShortCircuit(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	img := mustImage(t, "example.com/repo/img@"+testDigest.String())
	dgst, err := svc.Digest(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, testDigest, dgst)
}

func TestMemoryUnknownImage(t *testing.T) {
	t.Parallel()

	svc := NewMemory()
	_, err := svc.Digest(context.Background(), mustImage(t, "example.com/repo/unknown:1"))
	require.Error(t, err)
	require.True(t, errdefs.IsNotFound(err))
}
