package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"tagpin/pkg/hashing"
	"tagpin/pkg/oci"
	"tagpin/pkg/resolver"
	"tagpin/pkg/store"
)

var testDigest = digest.Digest("sha256:" + strings.Repeat("a", 64))

func newTestServer(t *testing.T, opts ...WebOption) (*httptest.Server, *hashing.Memory) {
	t.Helper()

	svc := hashing.NewMemory()
	driver, err := hashing.NewDriver(svc)
	require.NoError(t, err)
	manager, err := resolver.NewManager(driver, store.NewMemory(),
		resolver.WithStartMode(resolver.StartModeFresh),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	w, err := NewWeb(manager, opts...)
	require.NoError(t, err)
	srv, err := w.Server(":0")
	require.NoError(t, err)

	testSrv := httptest.NewServer(srv.Handler)
	t.Cleanup(testSrv.Close)
	return testSrv, svc
}

func resolveImage(t *testing.T, srv *httptest.Server, workflowID, ref string) *http.Response {
	t.Helper()

	body, err := json.Marshal(resolveRequest{Image: ref})
	require.NoError(t, err)
	resp, err := http.Post(
		fmt.Sprintf("%s/v1/workflows/%s/resolve", srv.URL, workflowID),
		"application/json",
		bytes.NewReader(body),
	)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestResolveHandler(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t)
	img, err := oci.Parse("ubuntu:18.04")
	require.NoError(t, err)
	svc.AddImage(img, testDigest)

	resp := resolveImage(t, srv, "wf-1", "ubuntu:18.04")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := resolveResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "docker.io/library/ubuntu:18.04", result.Image)
	require.Equal(t, testDigest.String(), result.Digest)
}

func TestResolveHandlerInvalidReference(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp := resolveImage(t, srv, "wf-1", "not a reference")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveHandlerMissingImage(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp := resolveImage(t, srv, "wf-1", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveHandlerUnknownImage(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp := resolveImage(t, srv, "wf-1", "example.com/repo/unknown:1")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveHandlerBasicAuth(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t, WithBasicAuth("user", "secret"))
	img, err := oci.Parse("ubuntu:18.04")
	require.NoError(t, err)
	svc.AddImage(img, testDigest)

	// Without credentials.
	resp := resolveImage(t, srv, "wf-1", "ubuntu:18.04")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// With credentials.
	body, err := json.Marshal(resolveRequest{Image: "ubuntu:18.04"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/workflows/wf-1/resolve", bytes.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("user", "secret")
	authResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authResp.Body.Close()
	require.Equal(t, http.StatusOK, authResp.StatusCode)
}

func TestReadyHandler(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
