package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botwarden/internal/escalation"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/supervisor"
)

// Reports exposes the supervisor's last cycle.
type Reports interface {
	Last() (supervisor.Report, bool)
}

// Escalations exposes the escalation controller state.
type Escalations interface {
	Last() (escalation.Result, bool)
	InProgress() bool
}

// Router serves a read-only view of the supervisor.
// Endpoints:
//
//	GET {basePath}/healthz      503 until the first cycle or when cycles stall
//	GET {basePath}/status       last cycle report; ?worker=<path> for one worker
//	GET {basePath}/queue        last uptime-restart queue
//	GET {basePath}/escalation   last escalation run
//	GET {basePath}/metrics      prometheus
type Router struct {
	reports     Reports
	escalations Escalations
	basePath    string
	staleAfter  time.Duration
	now         func() time.Time
}

// NewRouter builds a router. escalations may be nil. A zero staleAfter
// disables the staleness check of /healthz.
func NewRouter(reports Reports, escalations Escalations, basePath string, staleAfter time.Duration) *Router {
	return &Router{
		reports:     reports,
		escalations: escalations,
		basePath:    sanitizeBase(basePath),
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/queue", r.handleQueue)
	group.GET("/escalation", r.handleEscalation)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK        bool      `json:"ok"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	rep, ok := r.reports.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false})
		return
	}
	resp := healthResp{OK: true, LastCycle: rep.FinishedAt}
	if r.staleAfter > 0 && r.now().Sub(rep.FinishedAt) > r.staleAfter {
		resp.OK, resp.Stale = false, true
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	rep, ok := r.reports.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no cycle completed yet"})
		return
	}
	if path := c.Query("worker"); path != "" {
		w, found := rep.Worker(path)
		if !found {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown worker"})
			return
		}
		writeJSON(c, http.StatusOK, w)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleQueue(c *gin.Context) {
	rep, ok := r.reports.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no cycle completed yet"})
		return
	}
	writeJSON(c, http.StatusOK, rep.Queue)
}

type escalationResp struct {
	InProgress bool               `json:"in_progress"`
	Last       *escalation.Result `json:"last,omitempty"`
}

func (r *Router) handleEscalation(c *gin.Context) {
	if r.escalations == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "escalation disabled"})
		return
	}
	resp := escalationResp{InProgress: r.escalations.InProgress()}
	if last, ok := r.escalations.Last(); ok {
		resp.Last = &last
	}
	writeJSON(c, http.StatusOK, resp)
}
