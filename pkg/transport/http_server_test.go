package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

func newTestServer(t *testing.T, s *HTTPServer) (*HTTPClient, string) {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewHTTPClient(0), ts.Listener.Addr().String()
}

func TestServerTransaction(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)

	var got *protocol.TransactionRequest
	s.SetTransactionHandler(func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
		got = req
		return &protocol.TransactionResponse{
			TransactionID: "tx-1",
			State:         protocol.StateCommitted,
			Success:       true,
			Branches: []protocol.BranchResult{
				{Shard: "s1", State: protocol.BranchCommitted},
			},
		}, nil
	})

	client, addr := newTestServer(t, s)
	resp, err := client.ExecuteTransaction(context.Background(), addr, &protocol.TransactionRequest{
		Statements: []protocol.Statement{{Shard: "s1", SQL: "INSERT INTO t VALUES ($1)", Args: []any{1}}},
		ReadOnly:   true,
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.True(t, got.ReadOnly)
	assert.Equal(t, []any{float64(1)}, got.Statements[0].Args)

	assert.True(t, resp.Success)
	assert.Equal(t, "tx-1", resp.TransactionID)
	require.Len(t, resp.Branches, 1)
	assert.Equal(t, protocol.BranchCommitted, resp.Branches[0].State)
}

func TestServerTransactionErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown shard", errors.Wrap(xa.ErrUnknownShard, "shard s9"), http.StatusBadRequest},
		{"adapter", errors.Wrap(xa.ErrAdapter, "s1"), http.StatusBadRequest},
		{"prepare", errors.Wrap(xa.ErrPrepareFailure, "tx"), http.StatusConflict},
		{"rollback only", errors.Wrap(xa.ErrRollbackOnly, "tx"), http.StatusConflict},
		{"heuristic", errors.Wrap(xa.ErrHeuristicOutcome, "tx"), http.StatusInternalServerError},
		{"timeout", errors.Wrap(context.DeadlineExceeded, "prepare"), http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHTTPServer("coord:8080", nil, nil)
			s.SetTransactionHandler(func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
				return &protocol.TransactionResponse{TransactionID: "tx-1", State: protocol.StateRolledBack}, tt.err
			})

			ts := httptest.NewServer(s.Handler())
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/transaction", "application/json",
				strings.NewReader(`{"statements":[{"shard":"s1","sql":"SELECT 1"}]}`))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)

			var body protocol.TransactionResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.False(t, body.Success)
			assert.Equal(t, "tx-1", body.TransactionID)
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestServerTransactionValidation(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)
	called := false
	s.SetTransactionHandler(func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
		called = true
		return &protocol.TransactionResponse{}, nil
	})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, body := range []string{`{"statements":[]}`, `not json`} {
		resp, err := http.Post(ts.URL+"/transaction", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, err := http.Get(ts.URL + "/transaction")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.False(t, called)
}

func TestServerUnconfigured(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/transaction", "application/json",
		strings.NewReader(`{"statements":[{"shard":"s1","sql":"SELECT 1"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerTopology(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)

	var got *protocol.TopologyRequest
	s.SetTopologyHandler(func(ctx context.Context, req *protocol.TopologyRequest) ([]string, error) {
		got = req
		if _, ok := req.Shards["bad"]; ok {
			return nil, errors.Wrap(xa.ErrAdapter, "unsupported database type mysql")
		}
		return []string{"s1", "s2"}, nil
	})

	client, addr := newTestServer(t, s)

	resp, err := client.RegisterTopology(context.Background(), addr, &protocol.TopologyRequest{
		Shards: map[string]protocol.ShardDescriptor{
			"s1": {DatabaseType: "postgresql", DSN: "postgres://a/s1"},
			"s2": {DatabaseType: "postgresql", DSN: "postgres://a/s2", MaxOpenConns: 4},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"s1", "s2"}, resp.Shards)
	assert.Equal(t, 4, got.Shards["s2"].MaxOpenConns)

	resp, err = client.RegisterTopology(context.Background(), addr, &protocol.TopologyRequest{
		Shards: map[string]protocol.ShardDescriptor{"bad": {DatabaseType: "mysql", DSN: "x"}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "mysql")
}

func TestServerListings(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)
	s.SetShardsHandler(func() []protocol.ShardInfo {
		return []protocol.ShardInfo{{Name: "s1", DatabaseType: "postgresql"}}
	})
	s.SetActiveHandler(func() []protocol.ActiveTransaction {
		return []protocol.ActiveTransaction{{TransactionID: "tx-1", State: protocol.StatePreparing, Shards: []string{"s1"}}}
	})

	client, addr := newTestServer(t, s)
	ctx := context.Background()

	health, err := client.Health(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "OK", health.Status)
	assert.Equal(t, "coord:8080", health.Address)
	assert.Equal(t, 1, health.Shards)

	shards, err := client.Shards(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []protocol.ShardInfo{{Name: "s1", DatabaseType: "postgresql"}}, shards.Shards)

	active, err := client.ActiveTransactions(ctx, addr)
	require.NoError(t, err)
	require.Len(t, active.Transactions, 1)
	assert.Equal(t, protocol.StatePreparing, active.Transactions[0].State)
	assert.False(t, active.Generated.IsZero())
}

func TestServerHealthDegraded(t *testing.T) {
	s := NewHTTPServer("coord:8080", nil, nil)
	s.SetHealthHandler(func() []string { return []string{"s1"} })

	client, addr := newTestServer(t, s)
	health, err := client.Health(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "DEGRADED", health.Status)
	assert.Equal(t, []string{"s1"}, health.Unhealthy)
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.TxBegun()
	m.TxFinished(string(protocol.StateCommitted))

	s := NewHTTPServer("coord:8080", reg, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `shardxa_transactions_total{state="COMMITTED"} 1`)
}
