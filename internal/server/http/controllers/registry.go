package controllers

import (
	"net/http"

	"github.com/rzbill/xs/internal/runtime"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes
// and manages the lifecycle of individual controllers.
type ControllerRegistry struct {
	general *GeneralController
	frames  *FramesController
	cas     *CASController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		frames:  NewFramesController(rt, logger),
		cas:     NewCASController(rt, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.frames.RegisterRoutes(mux)
	r.cas.RegisterRoutes(mux)
}
