package hashing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cuelabs.dev/go/oci/ociregistry"
	"cuelabs.dev/go/oci/ociregistry/ociclient"
	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	"tagpin/pkg/oci"
)

const registryClientCacheSize = 32

var _ Service = &Registry{}

type RegistryConfig struct {
	Log       logr.Logger
	Transport http.RoundTripper
	Insecure  bool
}

func (cfg *RegistryConfig) Apply(opts ...RegistryOption) error {
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

type RegistryOption func(cfg *RegistryConfig) error

func WithRegistryLogger(log logr.Logger) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithTransport(transport http.RoundTripper) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.Transport = transport
		return nil
	}
}

func WithInsecure(insecure bool) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.Insecure = insecure
		return nil
	}
}

// Registry resolves tags against OCI distribution registries. Clients are
// created per registry host and kept in a small bounded cache; the set of
// distinct hosts seen by one deployment is tiny so entries are rarely
// evicted.
type Registry struct {
	log       logr.Logger
	transport http.RoundTripper
	clients   *lru.Cache[string, ociregistry.Interface]
	insecure  bool
}

func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := RegistryConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	clients, err := lru.New[string, ociregistry.Interface](registryClientCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		log:       cfg.Log,
		transport: cfg.Transport,
		clients:   clients,
		insecure:  cfg.Insecure,
	}
	return r, nil
}

func (r *Registry) Digest(ctx context.Context, img oci.Image) (digest.Digest, error) {
	// References that already pin a digest need no network round trip.
	if img.IsDigestPinned() {
		return img.Digest, nil
	}

	client, err := r.client(img.Registry)
	if err != nil {
		return "", err
	}

	desc, err := client.ResolveTag(ctx, img.Repository, img.Tag)
	if err != nil {
		return "", r.translateError(img, err)
	}
	r.log.V(4).Info("resolved tag against registry", "image", img.String(), "digest", desc.Digest.String())
	return desc.Digest, nil
}

func (r *Registry) client(registry string) (ociregistry.Interface, error) {
	host := registryHost(registry)
	if client, ok := r.clients.Get(host); ok {
		return client, nil
	}
	client, err := ociclient.New(host, &ociclient.Options{
		Insecure:  r.insecure,
		Transport: r.transport,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create client for registry %s: %w", host, err)
	}
	r.clients.Add(host, client)
	return client, nil
}

type httpStatusError interface {
	error
	StatusCode() int
}

func (r *Registry) translateError(img oci.Image, err error) error {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode() == http.StatusTooManyRequests {
		return errors.Join(ErrBackpressure, err)
	}
	if errors.Is(err, ociregistry.ErrNameUnknown) || errors.Is(err, ociregistry.ErrManifestUnknown) {
		return errors.Join(errdefs.ErrNotFound, fmt.Errorf("image %s not found: %w", img.String(), err))
	}
	return fmt.Errorf("could not resolve image %s: %w", img.String(), err)
}

// registryHost maps the reference domain to the host serving its
// distribution API. Docker Hub is the only registry whose API host
// differs from the reference domain.
func registryHost(registry string) string {
	if registry == "docker.io" {
		return "registry-1.docker.io"
	}
	return registry
}
