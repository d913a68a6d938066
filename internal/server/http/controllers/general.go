package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rzbill/xs/internal/lifecycle"
	"github.com/rzbill/xs/internal/runtime"
	"github.com/rzbill/xs/pkg/id"
)

// GeneralController handles health, contexts, and worker status.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Context management (/v1/contexts)
// - Running workers (/v1/workers)
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
	mux.HandleFunc("GET /v1/contexts", c.handleListContexts)
	mux.HandleFunc("POST /v1/contexts", c.handleCreateContext)
	mux.HandleFunc("GET /v1/workers", c.handleWorkers)
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with {"status": "ok"} if healthy, 503 Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleListContexts(w http.ResponseWriter, r *http.Request) {
	list, err := c.rt.Log().Contexts()
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []id.ID{}
	}
	writeJSON(w, contextsResp{Contexts: list})
}

// handleCreateContext appends an xs.context frame and returns it; its id is
// the new context id. The body, if any, is {"meta": {...}}.
func (c *GeneralController) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req contextCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	f, err := c.rt.Log().CreateContext(r.Context(), req.Meta)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeCreatedJSON(w, f)
}

func (c *GeneralController) handleWorkers(w http.ResponseWriter, r *http.Request) {
	running := c.rt.Running()
	if running == nil {
		running = []lifecycle.Running{}
	}
	writeJSON(w, workersResp{Workers: running})
}
