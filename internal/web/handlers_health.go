package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/JonMunkholm/certledger/internal/importer"
)

const healthTimeout = 3 * time.Second

// HealthResponse lists each dependency as "ok" or its error text.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Checks  map[string]string      `json:"checks"`
	Imports importer.LimiterStatus `json:"imports"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names)), Imports: s.deps.Imports.Status()}
	status := http.StatusOK
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
