package alpha

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueryHandler serves the read-only HTTP view of the coordinator.
type QueryHandler struct {
	coord   *Coordinator
	metrics *Metrics
	log     *zap.Logger
}

// NewQueryHandler creates the HTTP handler for coord.
func NewQueryHandler(coord *Coordinator, metrics *Metrics, log *zap.Logger) http.Handler {
	q := &QueryHandler{coord: coord, metrics: metrics, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(q.logRequests)

	r.Get("/health", q.health)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/transactions/{globalTxID}", func(r chi.Router) {
			r.Get("/", q.transaction)
			r.Get("/events", q.events)
			r.Get("/calltree", q.callTree)
		})
		r.Get("/commands/outstanding", q.outstanding)
	})
	return r
}

func (q *QueryHandler) health(w http.ResponseWriter, _ *http.Request) {
	q.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": q.coord.Connections(),
	})
}

func (q *QueryHandler) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "globalTxID")
	events, err := q.coord.Events(r.Context(), id)
	if err != nil {
		q.writeError(w, err)
		return
	}
	if events == nil {
		events = []TxEvent{}
	}
	q.writeJSON(w, http.StatusOK, events)
}

func (q *QueryHandler) transaction(w http.ResponseWriter, r *http.Request) {
	snapshot, err := q.coord.Transaction(r.Context(), chi.URLParam(r, "globalTxID"))
	if err != nil {
		q.writeError(w, err)
		return
	}
	q.writeJSON(w, http.StatusOK, snapshot)
}

func (q *QueryHandler) callTree(w http.ResponseWriter, r *http.Request) {
	dot, err := q.coord.CallTree(r.Context(), chi.URLParam(r, "globalTxID"))
	if err != nil {
		q.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dot))
}

func (q *QueryHandler) outstanding(w http.ResponseWriter, _ *http.Request) {
	cmds := q.coord.Outstanding()
	if cmds == nil {
		cmds = []OutstandingCommand{}
	}
	q.writeJSON(w, http.StatusOK, cmds)
}

func (q *QueryHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		code = http.StatusNotFound
	case IsRetryable(err):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		q.log.Error("query failed", zap.Error(err))
	}
	q.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (q *QueryHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		q.log.Warn("failed to write response", zap.Error(err))
	}
}

func (q *QueryHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		q.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
