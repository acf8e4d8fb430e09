package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlechain/core"
	"settlechain/gateway/middleware"
	"settlechain/native/ledger"
)

// Options configures the gateway surface.
type Options struct {
	RPCHandler         http.Handler
	Node               *core.Node
	Log                *slog.Logger
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// NewRouter mounts the JSON-RPC handler, the REST read aliases, the metrics
// endpoint, and the health probe behind the shared middleware stack.
func NewRouter(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	perSecond := opts.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 50
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.RateLimit(perSecond, burst))

	r.Method(http.MethodPost, "/", opts.RPCHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", stateHandler(opts.Node))
		r.Get("/users/{addr}", userHandler(opts.Node))
		r.Get("/proofs", weeksHandler(opts.Node))
		r.Get("/proofs/{week}", proofHandler(opts.Node))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func stateHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state, err := node.GetSystemState()
		if err != nil {
			writeErrorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func userHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "addr")
		if !common.IsHexAddress(raw) {
			writeErrorJSON(w, http.StatusBadRequest, "invalid address")
			return
		}
		dashboard, err := node.GetUserDashboard(common.HexToAddress(raw))
		if err != nil {
			if errors.Is(err, ledger.ErrUserUnknown) {
				writeErrorJSON(w, http.StatusNotFound, err.Error())
				return
			}
			writeErrorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, dashboard)
	}
}

func weeksHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		weeks, err := node.GetAllWeeks()
		if err != nil {
			writeErrorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"weeks": weeks})
	}
}

func proofHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		week, err := strconv.ParseUint(chi.URLParam(r, "week"), 10, 64)
		if err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid week")
			return
		}
		record, ok, err := node.GetWeeklyProof(week)
		if err != nil {
			writeErrorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeErrorJSON(w, http.StatusNotFound, "no proof for week")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}
