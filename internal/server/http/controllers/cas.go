package controllers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/internal/runtime"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// CASController exposes the content store directly, for payloads shared by
// several frames or fetched by digest.
type CASController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewCASController creates a CAS controller.
func NewCASController(rt *runtime.Runtime, logger logpkg.Logger) *CASController {
	return &CASController{rt: rt, logger: logger}
}

// RegisterRoutes registers CAS routes with the given mux. Digests contain
// base64 characters, so the hash wildcard takes the rest of the path.
func (c *CASController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/cas", c.handlePut)
	mux.HandleFunc("GET /v1/cas/{hash...}", c.handleGet)
}

// handlePut stores the request body and returns its digest. An empty body
// stores nothing and returns no hash.
func (c *CASController) handlePut(w http.ResponseWriter, r *http.Request) {
	h, err := c.rt.CAS().Put(r.Context(), r.Body)
	if err != nil {
		writeErr(w, err)
		return
	}
	var resp casPutResp
	if h != nil {
		resp.Hash = h.String()
	}
	writeCreatedJSON(w, resp)
}

// handleGet streams the blob for a digest. Ephemeral payloads held in
// memory by the log are served too.
func (c *CASController) handleGet(w http.ResponseWriter, r *http.Request) {
	h, err := cas.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeErr(w, err)
		return
	}
	rc, err := c.rt.Log().Payload(h)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", strconv.Quote(h.String()))
	if _, err := io.Copy(w, rc); err != nil {
		c.logger.Debug("payload copy interrupted", logpkg.Err(err))
	}
}
