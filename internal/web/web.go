package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/go-logr/logr"

	"tagpin/pkg/mux"
	"tagpin/pkg/oci"
	"tagpin/pkg/resolver"
)

type WebConfig struct {
	Log      logr.Logger
	Username string
	Password string
}

func (cfg *WebConfig) Apply(opts ...WebOption) error {
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

type WebOption func(cfg *WebConfig) error

func WithLogger(log logr.Logger) WebOption {
	return func(cfg *WebConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithBasicAuth(username, password string) WebOption {
	return func(cfg *WebConfig) error {
		cfg.Username = username
		cfg.Password = password
		return nil
	}
}

// Web serves the resolve API consumed by job preparation.
type Web struct {
	manager  *resolver.Manager
	log      logr.Logger
	username string
	password string
}

func NewWeb(manager *resolver.Manager, opts ...WebOption) (*Web, error) {
	cfg := WebConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	w := &Web{
		manager:  manager,
		log:      cfg.Log,
		username: cfg.Username,
		password: cfg.Password,
	}
	return w, nil
}

func (w *Web) Server(addr string) (*http.Server, error) {
	m := mux.NewServeMux(w.log)
	m.Handle("GET /healthz", w.readyHandler)
	m.Handle("POST /v1/workflows/{workflow}/resolve", w.resolveHandler)

	srv := &http.Server{
		Addr:    addr,
		Handler: m,
	}
	return srv, nil
}

func (w *Web) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	rw.WriteHeader(http.StatusOK)
}

type resolveRequest struct {
	Image string `json:"image"`
}

type resolveResponse struct {
	Image  string `json:"image"`
	Digest string `json:"digest"`
}

func (w *Web) resolveHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("resolve")

	if w.username != "" || w.password != "" {
		username, password, _ := req.BasicAuth()
		if w.username != username || w.password != password {
			rw.WriteError(http.StatusUnauthorized, errors.New("invalid basic authentication"))
			return
		}
	}

	workflowID := req.PathValue("workflow")
	if workflowID == "" {
		rw.WriteError(http.StatusBadRequest, errors.New("workflow id is required"))
		return
	}

	body := resolveRequest{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		rw.WriteError(http.StatusBadRequest, fmt.Errorf("could not decode resolve request: %w", err))
		return
	}
	if body.Image == "" {
		rw.WriteError(http.StatusBadRequest, errors.New("image reference is required"))
		return
	}

	img, err := oci.Parse(body.Image)
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}

	dgst, err := w.manager.Resolve(req.Context(), workflowID, body.Image)
	if err != nil {
		rw.WriteError(statusForError(err), fmt.Errorf("could not resolve image %s: %w", img.String(), err))
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(rw).Encode(resolveResponse{
		Image:  img.String(),
		Digest: dgst.String(),
	})
	if err != nil {
		w.log.Error(err, "error occurred when writing resolve response", "image", img.String())
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, oci.ErrInvalidReference):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrWorkflowFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
