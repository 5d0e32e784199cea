package protocol

import "time"

// ShardDescriptor describes how to reach one shard
type ShardDescriptor struct {
	DatabaseType string `json:"database_type"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// TopologyRequest replaces the whole shard topology
type TopologyRequest struct {
	Shards map[string]ShardDescriptor `json:"shards"`
}

// TopologyResponse is returned after a topology change
type TopologyResponse struct {
	Success bool     `json:"success"`
	Shards  []string `json:"shards,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Statement is one SQL statement routed to a shard
type Statement struct {
	Shard string `json:"shard"`
	SQL   string `json:"sql"`
	Args  []any  `json:"args,omitempty"`
}

// TransactionRequest runs a batch of statements in one global transaction
type TransactionRequest struct {
	Statements     []Statement `json:"statements"`
	IsolationLevel string      `json:"isolation_level,omitempty"`
	ReadOnly       bool        `json:"read_only,omitempty"`
}

// BranchResult is the final state of one branch
type BranchResult struct {
	Shard string      `json:"shard"`
	State BranchState `json:"state"`
	Error string      `json:"error,omitempty"`
}

// TransactionResponse is the result of a global transaction
type TransactionResponse struct {
	TransactionID string         `json:"transaction_id"`
	State         TxState        `json:"state"`
	Success       bool           `json:"success"`
	Branches      []BranchResult `json:"branches,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// HealthResponse is returned by health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Shards  int    `json:"shards"`
	// Unhealthy lists shards that failed their last ping
	Unhealthy []string `json:"unhealthy,omitempty"`
}

// ShardInfo describes one registered shard. The DSN is never exposed.
type ShardInfo struct {
	Name         string `json:"name"`
	DatabaseType string `json:"database_type"`
}

// ShardsResponse lists the registered shards
type ShardsResponse struct {
	Shards []ShardInfo `json:"shards"`
}

// ActiveTransactionsResponse lists transactions that have not completed
type ActiveTransactionsResponse struct {
	Transactions []ActiveTransaction `json:"transactions"`
	Generated    time.Time           `json:"generated_at"`
}

// ActiveTransaction summarises one in-flight transaction
type ActiveTransaction struct {
	TransactionID string    `json:"transaction_id"`
	State         TxState   `json:"state"`
	Shards        []string  `json:"shards"`
	Started       time.Time `json:"started_at"`
}
