package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	LogRoot   string `json:"log_root"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	store := "disabled"
	if s.store != nil {
		store = "available"
	}
	respondOK(w, middleware.GetReqID(r.Context()), healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     store,
		LogRoot:   s.logRoot,
	})
}
