// Package rpcfallback is the secondary ingestion path (spec.md §6.2): a
// direct JSON-RPC client against a node. It is reached only through
// ingestor.FetchRangeViaRPC; Ingest itself always reads from the explorer
// and never switches to this client on its own. Grounded on the teacher's
// internal/ingester/evm_worker.go, which already does go-ethereum
// rlp/types-based transaction decoding for Flow's embedded EVM, adapted
// here to be the primary EVM decode path rather than a secondary one.
package rpcfallback

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"evmindexer/internal/models"
)

// Client talks directly to an EVM JSON-RPC node via ethclient/rpc, the
// same pairing the teacher's EVMWorker uses for receipts it can't get
// from Cadence events.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client

	chainID     int64
	concurrency int

	mu                  sync.Mutex
	consecutiveFailures map[string]int
}

// pinThreshold is the number of consecutive RPC failures for a contract
// before the caller should pin back to explorer-only mode (spec.md §6.2).
const pinThreshold = 3

func Dial(ctx context.Context, url string, chainID int64, concurrency int) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcfallback: dial %s: %w", url, err)
	}
	return &Client{
		eth:                 ethclient.NewClient(rc),
		rpc:                 rc,
		chainID:             chainID,
		concurrency:         concurrency,
		consecutiveFailures: make(map[string]int),
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// FetchBlockRange pulls every transaction in [from, to] touching
// contractAddress by fetching each block and its receipts directly from
// the node, fanning the block fetches out across c.concurrency goroutines
// with golang.org/x/sync/errgroup — the teacher does the equivalent
// bounded fan-out with a WaitGroup plus buffered-channel semaphore in
// service.go's fetchBatchParallel; errgroup is the more idiomatic choice
// here because it propagates the first real fetch error instead of
// requiring the caller to collect per-goroutine errors by hand.
func (c *Client) FetchBlockRange(ctx context.Context, contractAddress string, from, to uint64) ([]*models.TransactionRow, error) {
	type blockResult struct {
		height uint64
		rows   []*models.TransactionRow
	}

	results := make([]blockResult, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for height := from; height <= to; height++ {
		height := height
		idx := height - from
		g.Go(func() error {
			rows, err := c.fetchBlock(gctx, height, contractAddress)
			if err != nil {
				c.recordFailure(contractAddress)
				return fmt.Errorf("rpcfallback: fetch block %d: %w", height, err)
			}
			results[idx] = blockResult{height: height, rows: rows}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.recordSuccess(contractAddress)

	var out []*models.TransactionRow
	for _, r := range results {
		out = append(out, r.rows...)
	}
	return out, nil
}

func (c *Client) fetchBlock(ctx context.Context, height uint64, contractAddress string) ([]*models.TransactionRow, error) {
	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, err
	}

	var rows []*models.TransactionRow
	signer := types.LatestSignerForChainID(new(big.Int).SetInt64(c.chainID))
	for idx, tx := range block.Transactions() {
		to := tx.To()
		matches := to != nil && addressMatches(to.Hex(), contractAddress)
		if !matches {
			if sender, err := types.Sender(signer, tx); err == nil && addressMatches(sender.Hex(), contractAddress) {
				matches = true
			}
		}
		if !matches {
			continue
		}

		receipt, err := c.eth.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), err)
		}

		row, err := c.decodeTransaction(tx, receipt, block, idx, contractAddress)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeTransaction turns a go-ethereum *types.Transaction plus its
// receipt into the canonical TransactionRow, recovering the sender with
// types.LatestSignerForChainID exactly as the teacher's
// decodeEVMTransactionPayload does.
func (c *Client) decodeTransaction(tx *types.Transaction, receipt *types.Receipt, block *types.Block, txIndex int, contractAddress string) (*models.TransactionRow, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetInt64(c.chainID))
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}

	status := 0
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = 1
	}

	to := ""
	if tx.To() != nil {
		to = normalizeAddr(tx.To().Hex())
	}

	row := &models.TransactionRow{
		TxHash:            tx.Hash().Hex(),
		WalletAddress:     normalizeAddr(sender.Hex()),
		ContractAddress:   normalizeAddr(contractAddress),
		InputData:         fmt.Sprintf("0x%x", tx.Data()),
		EthValue:          tx.Value().String(),
		GasLimit:          fmt.Sprintf("%d", tx.Gas()),
		GasUsed:           fmt.Sprintf("%d", receipt.GasUsed),
		GasPrice:          tx.GasPrice().String(),
		EffectiveGasPrice: receipt.EffectiveGasPrice.String(),
		BlockNumber:       block.NumberU64(),
		BlockHash:         block.Hash().Hex(),
		BlockTimestamp:    blockTime(block.Time()),
		TxIndex:           txIndex,
		Nonce:             tx.Nonce(),
		TxType:            int(tx.Type()),
		Status:            status,
		ChainID:           c.chainID,
	}
	if to != "" {
		row.ToAddress = &to
	}
	if tx.GasFeeCap() != nil {
		v := tx.GasFeeCap().String()
		row.MaxFeePerGas = &v
	}
	if tx.GasTipCap() != nil {
		v := tx.GasTipCap().String()
		row.PriorityFee = &v
	}
	if len(tx.Data()) >= 4 {
		sel := fmt.Sprintf("0x%x", tx.Data()[:4])
		row.FunctionSelector = &sel
	}
	return row, nil
}

// ShouldPinToExplorerOnly reports whether contractAddress has seen
// pinThreshold consecutive RPC failures and should temporarily stop using
// this fallback path (spec.md §6.2).
func (c *Client) ShouldPinToExplorerOnly(contractAddress string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures[contractAddress] >= pinThreshold
}

func (c *Client) recordFailure(contractAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures[contractAddress]++
}

func (c *Client) recordSuccess(contractAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consecutiveFailures, contractAddress)
}

func blockTime(unixSeconds uint64) time.Time {
	return time.Unix(int64(unixSeconds), 0).UTC()
}

func addressMatches(a, b string) bool {
	return normalizeAddr(a) == normalizeAddr(b)
}

func normalizeAddr(a string) string {
	out := make([]byte, 0, len(a))
	for _, r := range a {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, byte(r))
	}
	return string(out)
}
