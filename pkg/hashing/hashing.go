package hashing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"tagpin/pkg/oci"
)

var (
	// ErrBackpressure is returned by a Service that is saturated and wants
	// the request re-sent later.
	ErrBackpressure = errors.New("hashing service backpressure")
	// ErrLookupTimeout is returned by the driver when no reply arrived
	// within the request deadline. It carries no tag attribution.
	ErrLookupTimeout = errors.New("hashing lookup timed out")
)

// Service performs the actual digest lookup for an image reference.
// Implementations return ErrBackpressure when saturated.
type Service interface {
	Digest(ctx context.Context, img oci.Image) (digest.Digest, error)
}

type DriverConfig struct {
	Log              logr.Logger
	BackpressureBase time.Duration
	JitterFactor     float64
	RequestTimeout   time.Duration
}

func (cfg *DriverConfig) Apply(opts ...DriverOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type DriverOption func(cfg *DriverConfig) error

func WithBackpressureBase(base time.Duration) DriverOption {
	return func(cfg *DriverConfig) error {
		if base <= 0 {
			return fmt.Errorf("backpressure base must be positive, got %s", base)
		}
		cfg.BackpressureBase = base
		return nil
	}
}

func WithJitterFactor(factor float64) DriverOption {
	return func(cfg *DriverConfig) error {
		if factor < 0 || factor > 1 {
			return fmt.Errorf("jitter factor must be in [0, 1], got %f", factor)
		}
		cfg.JitterFactor = factor
		return nil
	}
}

func WithRequestTimeout(timeout time.Duration) DriverOption {
	return func(cfg *DriverConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("request timeout must be positive, got %s", timeout)
		}
		cfg.RequestTimeout = timeout
		return nil
	}
}

func WithDriverLogger(log logr.Logger) DriverOption {
	return func(cfg *DriverConfig) error {
		cfg.Log = log
		return nil
	}
}

// Driver owns the retry and deadline policy of the Service contract.
// Backpressure responses are re-sent after a randomized delay; a request
// with no reply within the deadline surfaces as ErrLookupTimeout. The
// driver never issues more than one attempt at a time per call, so
// callers that serialize lookups per tag get at most one outstanding
// attempt per tag.
type Driver struct {
	svc              Service
	log              logr.Logger
	backpressureBase time.Duration
	jitterFactor     float64
	requestTimeout   time.Duration
}

func NewDriver(svc Service, opts ...DriverOption) (*Driver, error) {
	cfg := DriverConfig{
		Log:              logr.Discard(),
		BackpressureBase: 10 * time.Second,
		JitterFactor:     0.5,
		RequestTimeout:   2 * time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		svc:              svc,
		log:              cfg.Log,
		backpressureBase: cfg.BackpressureBase,
		jitterFactor:     cfg.JitterFactor,
		requestTimeout:   cfg.RequestTimeout,
	}
	return d, nil
}

// Resolve looks up the digest for an image, retrying on backpressure
// until the request deadline expires.
func (d *Driver) Resolve(ctx context.Context, img oci.Image) (digest.Digest, error) {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	var dgst digest.Digest
	err := retry.Do(
		func() error {
			var err error
			dgst, err = d.svc.Digest(ctx, img)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrBackpressure)
		}),
		retry.DelayType(d.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.log.V(4).Info("re-sending lookup after backpressure", "image", img.String(), "attempt", n+1)
		}),
	)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: no reply for %s within %s", ErrLookupTimeout, img.String(), d.requestTimeout)
		case ctx.Err() != nil:
			return "", ctx.Err()
		}
		return "", err
	}
	return dgst, nil
}

// delay draws the backpressure retry delay uniformly from
// [base*(1-f), base*(1+f)].
func (d *Driver) delay(_ uint, _ error, _ *retry.Config) time.Duration {
	base := float64(d.backpressureBase)
	low := base * (1 - d.jitterFactor)
	return time.Duration(low + rand.Float64()*2*d.jitterFactor*base)
}
