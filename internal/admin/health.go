package admin

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency (database, redis).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a ping function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a 2s deadline. Any
// failed or unfinished probe makes the response 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy", Version: s.version})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.probes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp := healthResponse{Status: "healthy", Version: s.version, Components: make(map[string]componentStatus, len(s.probes))}
	for _, probe := range s.probes {
		err, finished := results[probe.Name()]
		switch {
		case !finished:
			resp.Status = "unhealthy"
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
