package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

const maxBodyBytes = 4 << 20

// HTTPServer exposes the coordinator over HTTP. Behaviour is plugged in with
// the Set*Handler callbacks; an endpoint without a handler answers 503.
type HTTPServer struct {
	addr     string
	mux      *http.ServeMux
	server   *http.Server
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	onTransaction func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error)
	onTopology    func(ctx context.Context, req *protocol.TopologyRequest) ([]string, error)
	listShards    func() []protocol.ShardInfo
	listActive    func() []protocol.ActiveTransaction
	unhealthy     func() []string
}

// NewHTTPServer creates a server listening on addr. A nil gatherer disables
// /metrics.
func NewHTTPServer(addr string, gatherer prometheus.Gatherer, log *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		mux:      http.NewServeMux(),
		logger:   logger.OrNop(log).With(zap.String("component", "http")),
		gatherer: gatherer,
	}
	s.setupRoutes()
	return s
}

// SetTransactionHandler sets the callback running a statement batch as one
// global transaction. A non-nil response is written even when err is set.
func (s *HTTPServer) SetTransactionHandler(handler func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error)) {
	s.onTransaction = handler
}

// SetTopologyHandler sets the callback replacing the shard topology.
func (s *HTTPServer) SetTopologyHandler(handler func(ctx context.Context, req *protocol.TopologyRequest) ([]string, error)) {
	s.onTopology = handler
}

// SetShardsHandler sets the callback listing registered shards.
func (s *HTTPServer) SetShardsHandler(handler func() []protocol.ShardInfo) {
	s.listShards = handler
}

// SetActiveHandler sets the callback listing unfinished transactions.
func (s *HTTPServer) SetActiveHandler(handler func() []protocol.ActiveTransaction) {
	s.listActive = handler
}

// SetHealthHandler sets the callback listing shards that failed their last
// health check.
func (s *HTTPServer) SetHealthHandler(handler func() []string) {
	s.unhealthy = handler
}

// Handler returns the request router.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/shards", s.handleShards)
	s.mux.HandleFunc("/topology", s.handleTopology)
	s.mux.HandleFunc("/transaction", s.handleTransaction)
	s.mux.HandleFunc("/transactions", s.handleTransactions)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean stop.
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop waits for in-flight requests to finish or ctx to end.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shards := 0
	if s.listShards != nil {
		shards = len(s.listShards())
	}

	resp := protocol.HealthResponse{
		Status:  "OK",
		Address: s.addr,
		Shards:  shards,
	}
	if s.unhealthy != nil {
		if down := s.unhealthy(); len(down) > 0 {
			resp.Status = "DEGRADED"
			resp.Unhealthy = down
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.listShards == nil {
		http.Error(w, "Shards handler not configured", http.StatusServiceUnavailable)
		return
	}

	shards := s.listShards()
	if shards == nil {
		shards = []protocol.ShardInfo{}
	}
	writeJSON(w, http.StatusOK, protocol.ShardsResponse{Shards: shards})
}

func (s *HTTPServer) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onTopology == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.TopologyResponse{Error: "Topology handler not configured"})
		return
	}

	var req protocol.TopologyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.TopologyResponse{Error: "Invalid request body"})
		return
	}

	shards, err := s.onTopology(r.Context(), &req)
	if err != nil {
		s.logger.Warn("topology change failed", zap.Error(err))
		writeJSON(w, statusFor(err), protocol.TopologyResponse{Error: err.Error()})
		return
	}

	s.logger.Info("topology registered", zap.Strings("shards", shards))
	writeJSON(w, http.StatusOK, protocol.TopologyResponse{Success: true, Shards: shards})
}

func (s *HTTPServer) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onTransaction == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.TransactionResponse{Error: "Transaction handler not configured"})
		return
	}

	var req protocol.TransactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.TransactionResponse{Error: "Invalid request body"})
		return
	}
	if len(req.Statements) == 0 {
		writeJSON(w, http.StatusBadRequest, protocol.TransactionResponse{Error: "At least one statement is required"})
		return
	}

	resp, err := s.onTransaction(r.Context(), &req)
	if err != nil {
		if resp == nil {
			resp = &protocol.TransactionResponse{}
		}
		resp.Success = false
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.listActive == nil {
		http.Error(w, "Transactions handler not configured", http.StatusServiceUnavailable)
		return
	}

	txs := s.listActive()
	if txs == nil {
		txs = []protocol.ActiveTransaction{}
	}
	writeJSON(w, http.StatusOK, protocol.ActiveTransactionsResponse{
		Transactions: txs,
		Generated:    time.Now(),
	})
}

// statusFor maps coordinator error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, xa.ErrUnknownShard), errors.Is(err, xa.ErrAdapter):
		return http.StatusBadRequest
	case errors.Is(err, xa.ErrRollbackOnly), errors.Is(err, xa.ErrPrepareFailure):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
