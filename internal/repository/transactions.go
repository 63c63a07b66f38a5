package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"evmindexer/internal/models"
)

// batchSize matches the teacher's SaveBatch chunking: large INSERT
// statements beyond a few hundred rows start hitting Postgres's parameter
// limit and planner overhead, so every bulk write is chunked.
const batchSize = 500

// UpsertTransactions idempotently writes base rows in chunks of
// batchSize, ON CONFLICT (tx_hash) DO NOTHING — re-ingesting a page the
// ingestor already wrote (after a crash mid-page, or an explorer/RPC
// overlap window) is always safe. Grounded on the teacher's
// postgres_ingest.go SaveBatch, which does the same chunk-then-UNNEST
// bulk upsert for its token_transfers table.
func (r *Repository) UpsertTransactions(ctx context.Context, rows []*models.TransactionRow) (inserted int, err error) {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := r.upsertTransactionChunk(ctx, rows[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (r *Repository) upsertTransactionChunk(ctx context.Context, rows []*models.TransactionRow) (int, error) {
	n := len(rows)
	txHash := make([]string, n)
	wallet := make([]string, n)
	contract := make([]string, n)
	toAddr := make([]*string, n)
	selector := make([]*string, n)
	fnName := make([]*string, n)
	inputData := make([]string, n)
	ethValue := make([]string, n)
	gasLimit := make([]string, n)
	gasUsed := make([]string, n)
	gasPrice := make([]string, n)
	effGasPrice := make([]string, n)
	maxFee := make([]*string, n)
	priorityFee := make([]*string, n)
	burnedFees := make([]*string, n)
	l2GasLimit := make([]*string, n)
	l2GasPrice := make([]*string, n)
	blockNumber := make([]int64, n)
	blockHash := make([]string, n)
	blockTimestamp := make([]int64, n)
	txIndex := make([]int32, n)
	nonce := make([]int64, n)
	txType := make([]int32, n)
	status := make([]int32, n)
	chainID := make([]int64, n)

	for i, row := range rows {
		txHash[i] = row.TxHash
		wallet[i] = row.WalletAddress
		contract[i] = row.ContractAddress
		toAddr[i] = row.ToAddress
		selector[i] = row.FunctionSelector
		fnName[i] = row.FunctionName
		inputData[i] = row.InputData
		ethValue[i] = row.EthValue
		gasLimit[i] = row.GasLimit
		gasUsed[i] = row.GasUsed
		gasPrice[i] = row.GasPrice
		effGasPrice[i] = row.EffectiveGasPrice
		maxFee[i] = row.MaxFeePerGas
		priorityFee[i] = row.PriorityFee
		burnedFees[i] = row.BurnedFees
		l2GasLimit[i] = row.L2GasLimit
		l2GasPrice[i] = row.L2GasPrice
		blockNumber[i] = int64(row.BlockNumber)
		blockHash[i] = row.BlockHash
		blockTimestamp[i] = row.BlockTimestamp.Unix()
		txIndex[i] = int32(row.TxIndex)
		nonce[i] = int64(row.Nonce)
		txType[i] = int32(row.TxType)
		status[i] = int32(row.Status)
		chainID[i] = row.ChainID
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO transactions (
			tx_hash, wallet_address, contract_address, to_address, function_selector, function_name,
			input_data, eth_value, gas_limit, gas_used, gas_price, effective_gas_price,
			max_fee_per_gas, priority_fee, burned_fees, l2_gas_limit, l2_gas_price,
			block_number, block_hash, block_timestamp, tx_index, nonce, tx_type, status, chain_id
		)
		SELECT tx_hash, wallet_address, contract_address, to_address, function_selector, function_name,
		       input_data, eth_value, gas_limit, gas_used, gas_price, effective_gas_price,
		       max_fee_per_gas, priority_fee, burned_fees, l2_gas_limit, l2_gas_price,
		       block_number, block_hash, to_timestamp(block_timestamp), tx_index, nonce, tx_type, status, chain_id
		FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[],
			$7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::text[],
			$13::text[], $14::text[], $15::text[], $16::text[], $17::text[],
			$18::bigint[], $19::text[], $20::bigint[], $21::int[], $22::bigint[], $23::int[], $24::int[], $25::bigint[]
		) AS t(
			tx_hash, wallet_address, contract_address, to_address, function_selector, function_name,
			input_data, eth_value, gas_limit, gas_used, gas_price, effective_gas_price,
			max_fee_per_gas, priority_fee, burned_fees, l2_gas_limit, l2_gas_price,
			block_number, block_hash, block_timestamp, tx_index, nonce, tx_type, status, chain_id
		)
		ON CONFLICT (tx_hash) DO NOTHING`,
		txHash, wallet, contract, toAddr, selector, fnName,
		inputData, ethValue, gasLimit, gasUsed, gasPrice, effGasPrice,
		maxFee, priorityFee, burnedFees, l2GasLimit, l2GasPrice,
		blockNumber, blockHash, blockTimestamp, txIndex, nonce, txType, status, chainID)
	if err != nil {
		return r.upsertTransactionChunkRowByRow(ctx, rows)
	}
	return int(tag.RowsAffected()), nil
}

// upsertTransactionChunkRowByRow is the savepoint-isolated fallback path:
// if the bulk UNNEST insert fails (a single malformed row poisoning the
// whole statement), retry row by row, each row under its own savepoint, so one bad
// row doesn't lose the rest of the batch. This mirrors the teacher's
// CopyFrom-then-per-row-SAVEPOINT fallback in postgres_ingest.go exactly.
func (r *Repository) upsertTransactionChunkRowByRow(ctx context.Context, rows []*models.TransactionRow) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("repository: upsert fallback begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, row := range rows {
		spName := "sp_tx"
		if _, err := tx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
			return inserted, fmt.Errorf("repository: upsert fallback savepoint: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (
				tx_hash, wallet_address, contract_address, to_address, function_selector, function_name,
				input_data, eth_value, gas_limit, gas_used, gas_price, effective_gas_price,
				max_fee_per_gas, priority_fee, burned_fees, l2_gas_limit, l2_gas_price,
				block_number, block_hash, block_timestamp, tx_index, nonce, tx_type, status, chain_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,to_timestamp($20),$21,$22,$23,$24,$25)
			ON CONFLICT (tx_hash) DO NOTHING`,
			row.TxHash, row.WalletAddress, row.ContractAddress, row.ToAddress, row.FunctionSelector, row.FunctionName,
			row.InputData, row.EthValue, row.GasLimit, row.GasUsed, row.GasPrice, row.EffectiveGasPrice,
			row.MaxFeePerGas, row.PriorityFee, row.BurnedFees, row.L2GasLimit, row.L2GasPrice,
			int64(row.BlockNumber), row.BlockHash, row.BlockTimestamp.Unix(), int32(row.TxIndex), int64(row.Nonce),
			int32(row.TxType), int32(row.Status), row.ChainID)
		if err != nil {
			tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spName)
			continue
		}
		tx.Exec(ctx, "RELEASE SAVEPOINT "+spName)
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return inserted, fmt.Errorf("repository: upsert fallback commit: %w", err)
	}
	return inserted, nil
}

// UpsertEnrichments writes detail rows idempotently: first write does
// ON CONFLICT DO NOTHING semantics for the immutable fields implicitly via
// DO UPDATE, re-enrichment (a later gap-fill pass finding a transaction
// the listener already processed) only refreshes logs/operations/updated_at.
func (r *Repository) UpsertEnrichments(ctx context.Context, rows []*models.EnrichmentRow) error {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.upsertEnrichmentChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) upsertEnrichmentChunk(ctx context.Context, rows []*models.EnrichmentRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO enrichments (
				tx_hash, contract_address, value, gas_used, gas_price, gas_limit,
				burned_fees, l1_gas_price, l1_gas_used, l1_fee, contract_verified,
				method_id, method_full, input, logs, operations, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
			ON CONFLICT (tx_hash) DO UPDATE SET
				logs = EXCLUDED.logs,
				operations = EXCLUDED.operations,
				updated_at = NOW()`,
			row.TxHash, row.ContractAddress, row.Value, row.GasUsed, row.GasPrice, row.GasLimit,
			row.BurnedFees, row.L1GasPrice, row.L1GasUsed, row.L1Fee, row.ContractVerified,
			row.MethodID, row.MethodFull, row.Input, row.Logs, row.Operations)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository: upsert enrichment batch: %w", err)
		}
	}
	return nil
}

// UnenrichedRow identifies one base row belonging to a volume-indexed
// contract that has no matching enrichment row yet.
type UnenrichedRow struct {
	TxHash          string
	ContractAddress string
}

// ListUnenriched finds base rows on volume-indexed contracts missing a
// corresponding enrichment row, ordered oldest-first by block timestamp
// (spec.md §4.5), for the enrichment poll fallback sweep. It scans across
// every contract rather than one, since it exists only to catch
// notifications LISTEN/NOTIFY lost to a connection drop, not to do the
// gap filler's systematic per-contract backfill.
func (r *Repository) ListUnenriched(ctx context.Context, limit int) ([]*UnenrichedRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.tx_hash, t.contract_address
		FROM transactions t
		JOIN contracts c ON c.address = t.contract_address
		LEFT JOIN enrichments e ON e.tx_hash = t.tx_hash
		WHERE c.index_type = 'volume' AND e.tx_hash IS NULL
		ORDER BY t.block_timestamp ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list unenriched: %w", err)
	}
	defer rows.Close()

	var out []*UnenrichedRow
	for rows.Next() {
		var u UnenrichedRow
		if err := rows.Scan(&u.TxHash, &u.ContractAddress); err != nil {
			return nil, fmt.Errorf("repository: scan unenriched: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ListUnenrichedForContract is the gap filler's per-contract worker query
// (spec.md §4.5): unenriched rows for exactly one contract, oldest-first by
// block timestamp, honoring limit/offset so a Parent can slice a
// contract's deficit into non-overlapping batches across workers.
func (r *Repository) ListUnenrichedForContract(ctx context.Context, contractAddress string, offset, limit int) ([]*UnenrichedRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.tx_hash, t.contract_address
		FROM transactions t
		JOIN contracts c ON c.address = t.contract_address
		LEFT JOIN enrichments e ON e.tx_hash = t.tx_hash
		WHERE c.index_type = 'volume' AND e.tx_hash IS NULL AND t.contract_address = $1
		ORDER BY t.block_timestamp ASC
		LIMIT $2 OFFSET $3`, contractAddress, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("repository: list unenriched for contract %s: %w", contractAddress, err)
	}
	defer rows.Close()

	var out []*UnenrichedRow
	for rows.Next() {
		var u UnenrichedRow
		if err := rows.Scan(&u.TxHash, &u.ContractAddress); err != nil {
			return nil, fmt.Errorf("repository: scan unenriched for contract %s: %w", contractAddress, err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// EnrichmentDeficit counts how many base rows on a volume-indexed contract
// still lack a matching enrichment row — the number the gap filler's
// Parent slices into fixed-size offset batches (spec.md §4.5).
func (r *Repository) EnrichmentDeficit(ctx context.Context, contractAddress string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transactions t
		JOIN contracts c ON c.address = t.contract_address
		LEFT JOIN enrichments e ON e.tx_hash = t.tx_hash
		WHERE c.index_type = 'volume' AND e.tx_hash IS NULL AND t.contract_address = $1`, contractAddress).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository: enrichment deficit %s: %w", contractAddress, err)
	}
	return count, nil
}

// TransactionExists reports whether a base row for txHash has already been
// written, the poll algorithm's early-termination test (spec.md §4.2):
// the first already-known hash in a descending page means everything
// after it was already seen by a prior poll or backfill.
func (r *Repository) TransactionExists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE tx_hash = $1)`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: transaction exists %s: %w", txHash, err)
	}
	return exists, nil
}

// MaxIndexedBlock returns the highest block_number written for a
// contract. No other package in this module calls it.
func (r *Repository) MaxIndexedBlock(ctx context.Context, contractAddress string) (uint64, error) {
	var max *int64
	err := r.pool.QueryRow(ctx, `
		SELECT MAX(block_number) FROM transactions WHERE contract_address = $1`, contractAddress).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("repository: max indexed block %s: %w", contractAddress, err)
	}
	if max == nil {
		return 0, nil
	}
	return uint64(*max), nil
}
