package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/scheduler"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminServer serves health, metrics and the in-flight job list on a
// separate listener
type AdminServer struct {
	router  *mux.Router
	checks  map[string]Pinger
	sched   *scheduler.Scheduler
	metrics http.Handler
}

// NewAdminServer builds the admin router. sched and metrics may be nil.
func NewAdminServer(sched *scheduler.Scheduler, metrics http.Handler) *AdminServer {
	s := &AdminServer{
		router:  mux.NewRouter(),
		checks:  make(map[string]Pinger),
		sched:   sched,
		metrics: metrics,
	}
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.jobs).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return s
}

// AddCheck adds a dependency to /healthz
func (s *AdminServer) AddCheck(name string, p Pinger) {
	s.checks[name] = p
}

// ServeHTTP implements http.Handler
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("Failed to write response: %v", err)
	}
}

func (s *AdminServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (s *AdminServer) jobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.Job{}
	if s.sched != nil {
		jobs = s.sched.InFlight()
	}
	writeJSON(w, http.StatusOK, jobs)
}
