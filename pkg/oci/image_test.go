package oci

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	dgst := digest.Digest("sha256:" + strings.Repeat("a", 64))
	tests := []struct {
		name     string
		ref      string
		expected Image
	}{
		{
			name: "docker hub shorthand",
			ref:  "ubuntu:18.04",
			expected: Image{
				Registry:   "docker.io",
				Repository: "library/ubuntu",
				Tag:        "18.04",
			},
		},
		{
			name: "docker hub fully qualified",
			ref:  "docker.io/library/ubuntu:18.04",
			expected: Image{
				Registry:   "docker.io",
				Repository: "library/ubuntu",
				Tag:        "18.04",
			},
		},
		{
			name: "custom registry",
			ref:  "example.com:5000/repo/img:v1",
			expected: Image{
				Registry:   "example.com:5000",
				Repository: "repo/img",
				Tag:        "v1",
			},
		},
		{
			name: "missing tag defaults to latest",
			ref:  "example.com/repo/img",
			expected: Image{
				Registry:   "example.com",
				Repository: "repo/img",
				Tag:        "latest",
			},
		},
		{
			name: "digest reference",
			ref:  "example.com/repo/img@" + dgst.String(),
			expected: Image{
				Registry:   "example.com",
				Repository: "repo/img",
				Digest:     dgst,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			img, err := Parse(tt.ref)
			require.NoError(t, err)
			require.Equal(t, tt.expected, img)
		})
	}
}

func TestParseNormalizesEquivalentReferences(t *testing.T) {
	t.Parallel()

	short, err := Parse("ubuntu:18.04")
	require.NoError(t, err)
	long, err := Parse("docker.io/library/ubuntu:18.04")
	require.NoError(t, err)
	require.Equal(t, short, long)
	require.Equal(t, short.String(), long.String())
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"not a reference",
		"example.com/repo/img@sha256:zzz",
		"UPPERCASE/repo:tag",
	}
	for _, ref := range tests {
		_, err := Parse(ref)
		require.ErrorIs(t, err, ErrInvalidReference, "reference %q", ref)
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	img, err := Parse("ubuntu:18.04")
	require.NoError(t, err)
	require.Equal(t, "docker.io/library/ubuntu:18.04", img.String())

	dgst := digest.Digest("sha256:" + strings.Repeat("b", 64))
	pinned, err := Parse("example.com/repo/img@" + dgst.String())
	require.NoError(t, err)
	require.Equal(t, "example.com/repo/img@"+dgst.String(), pinned.String())
	require.True(t, pinned.IsDigestPinned())
}

func TestTagName(t *testing.T) {
	t.Parallel()

	img, err := Parse("example.com/repo/img:v1")
	require.NoError(t, err)
	tagName, ok := img.TagName()
	require.True(t, ok)
	require.Equal(t, "example.com/repo/img:v1", tagName)

	dgst := digest.Digest("sha256:" + strings.Repeat("c", 64))
	pinned, err := Parse("example.com/repo/img@" + dgst.String())
	require.NoError(t, err)
	_, ok = pinned.TagName()
	require.False(t, ok)
}

func TestIsLatestTag(t *testing.T) {
	t.Parallel()

	img, err := Parse("example.com/repo/img")
	require.NoError(t, err)
	require.True(t, img.IsLatestTag())

	img, err = Parse("example.com/repo/img:v1")
	require.NoError(t, err)
	require.False(t, img.IsLatestTag())
}

func TestParseDigest(t *testing.T) {
	t.Parallel()

	dgst, err := ParseDigest("sha256:" + strings.Repeat("d", 64))
	require.NoError(t, err)
	require.Equal(t, digest.Canonical, dgst.Algorithm())

	_, err = ParseDigest("sha256:zzz")
	require.Error(t, err)
	_, err = ParseDigest("")
	require.Error(t, err)
}
