// Package models holds the semantic entity types shared across the indexer
// core: contracts, cursors, base transaction rows, enrichment rows, jobs,
// and the legacy parallel-backfill range model.
package models

import (
	"encoding/json"
	"time"
)

// ContractStatus is the lifecycle state of a Contract (spec.md §3).
type ContractStatus string

const (
	ContractPending   ContractStatus = "pending"
	ContractIndexing  ContractStatus = "indexing"
	ContractComplete  ContractStatus = "complete"
	ContractPaused    ContractStatus = "paused"
	ContractError     ContractStatus = "error"
)

// IndexType selects the aggregation the enrichment/scoring layer (out of
// scope here) will compute from this contract's rows.
type IndexType string

const (
	IndexCount  IndexType = "count"
	IndexVolume IndexType = "volume"
)

// Contract is the immutable-identity + operator-settable-config +
// mutable-progress entity described in spec.md §3.
type Contract struct {
	Address         string // lowercase hex, identity key
	ChainID         int64
	DeployBlock     uint64
	Active          bool
	IndexingEnabled bool
	IndexType       IndexType

	Status          ContractStatus
	CurrentBlock    uint64
	TotalBlocks     uint64
	ProgressPercent float64
	TotalIndexed    int64
	LastIndexedAt   *time.Time
	ErrorMessage    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cursor is the per-contract persistent ingestion position (spec.md §4.1).
type Cursor struct {
	ContractAddress  string
	LastPageToken    *string
	LastBlockIndexed uint64
	TotalIndexed     int64
	IsComplete       bool
	UpdatedAt        time.Time
}

// TransactionRow is the canonical base row (spec.md §3, §6.1).
//
// All monetary and gas fields are decimal strings (never float64) per the
// spec's explicit anti-IEEE-754 invariant.
type TransactionRow struct {
	TxHash             string
	WalletAddress      string
	ContractAddress    string
	ToAddress          *string
	FunctionSelector   *string
	FunctionName       *string
	InputData          string
	EthValue           string
	GasLimit           string
	GasUsed            string
	GasPrice           string
	EffectiveGasPrice  string
	MaxFeePerGas       *string
	PriorityFee        *string
	BurnedFees         *string
	L2GasLimit         *string
	L2GasPrice         *string
	BlockNumber        uint64
	BlockHash          string
	BlockTimestamp     time.Time
	TxIndex            int
	Nonce              uint64
	TxType             int
	Status             int // 0 or 1
	ChainID            int64
}

// EnrichmentRow is the per-transaction detail row (spec.md §3).
//
// Written at most once; a later re-enrichment only updates Logs, Operations,
// and UpdatedAt.
type EnrichmentRow struct {
	TxHash            string
	ContractAddress   string
	Value             string
	GasUsed           string
	GasPrice          string
	GasLimit          string
	BurnedFees        *string
	L1GasPrice        *string
	L1GasUsed         *string
	L1Fee             *string
	ContractVerified  bool
	MethodID          *string
	MethodFull        *string
	Input             string
	Logs              json.RawMessage
	Operations        json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// JobStatus is the lifecycle state of a Job (spec.md §3).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobPayload is the operator-supplied backfill request body (spec.md §3).
type JobPayload struct {
	ContractAddress string  `json:"contract_address"`
	FromDate        string  `json:"from_date"`
	ToDate          string  `json:"to_date"`
	Progress        float64 `json:"progress"`
	ResumeToken     *string `json:"resume_token,omitempty"`
}

// Job is an operator-created unit of backfill work (spec.md §3).
type Job struct {
	ID           string
	JobType      string // always "backfill" today
	ContractID   string
	Priority     int // 1 = highest
	Status       JobStatus
	Payload      JobPayload
	Attempts     int
	MaxAttempts  int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// IndexerRange is the legacy parallel-backfill sub-range model (spec.md §3).
// Present for RPC-driven event indexing; omitted by implementations that
// always use page-token pagination (the explorer path does, and does not
// populate this table).
type IndexerRange struct {
	ContractAddress string
	RangeIndex      int
	FromBlock       uint64
	ToBlock         uint64
	CurrentBlock    uint64
	IsComplete      bool
}

// IngestMode selects which of the two Transaction Ingestor algorithms
// (spec.md §4.2) a call uses.
type IngestMode string

const (
	ModeBackfill IngestMode = "backfill"
	ModePoll     IngestMode = "poll"
)
