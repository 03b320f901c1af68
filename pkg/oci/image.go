package oci

import (
	"errors"
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// ErrInvalidReference is wrapped by all reference parse failures.
var ErrInvalidReference = errors.New("invalid image reference")

// Image is the canonical identity of an image reference. Two references
// that normalize to the same registry, repository and tag (or digest) are
// the same Image. The zero value is not a valid Image.
type Image struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// Parse normalizes a Docker image reference into an Image. Shorthand
// references are expanded the same way the Docker CLI expands them, so
// "ubuntu:18.04" and "docker.io/library/ubuntu:18.04" parse to the same
// Image. References without a tag get the latest tag.
func Parse(s string) (Image, error) {
	named, err := reference.ParseDockerRef(s)
	if err != nil {
		return Image{}, fmt.Errorf("%w %q: %w", ErrInvalidReference, s, err)
	}
	img := Image{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		img.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		img.Digest = digested.Digest()
		if err := img.Digest.Validate(); err != nil {
			return Image{}, fmt.Errorf("%w %q: %w", ErrInvalidReference, s, err)
		}
	}
	if img.Tag == "" && img.Digest == "" {
		return Image{}, fmt.Errorf("%w %q: no tag or digest", ErrInvalidReference, s)
	}
	return img, nil
}

// ParseDigest validates a stored digest string.
func ParseDigest(s string) (digest.Digest, error) {
	dgst, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return dgst, nil
}

// String returns the canonical reference. Digest references take
// precedence over tags since they pin stronger identity.
func (i Image) String() string {
	if i.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", i.Registry, i.Repository, i.Digest.String())
	}
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag)
}

// TagName returns the tag reference when the image has one.
func (i Image) TagName() (string, bool) {
	if i.Tag == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag), true
}

// IsLatestTag returns true when the image is referenced by the mutable
// latest tag.
func (i Image) IsLatestTag() bool {
	return i.Tag == "latest"
}

// IsDigestPinned returns true when the reference already carries a digest.
func (i Image) IsDigestPinned() bool {
	return i.Digest != ""
}
