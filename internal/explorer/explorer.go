// Package explorer is the primary ingestion client: a paginated HTTP API
// client for the canonical multi-chain transaction explorer (spec.md §6.1),
// grounded on the teacher's internal/flow.Client — same shape of
// rate-limited, retrying HTTP wrapper, just swapped from gRPC-to-an-access-
// node to REST-to-an-explorer.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"evmindexer/internal/models"
)

// Page is one page of canonicalized transactions plus the token to fetch
// the next page, or "" if this was the last page (spec.md §6.1).
type Page struct {
	Transactions  []*models.TransactionRow
	NextPageToken string
	HasMore       bool
}

// ListParams carries the list endpoint's optional knobs; PageToken, Sort,
// and the FromDate/ToDate bounds are all independent of contractAddress so
// a single struct is easier to extend than another positional parameter.
type ListParams struct {
	PageToken string
	Limit     int
	// Sort is "asc" (backfill, oldest first) or "desc" (poll, newest
	// first) per spec.md §4.2.
	Sort string
	// FromDate/ToDate bound a job-scoped backfill to a date range
	// (RFC3339), spec.md §4.3 item 2. Empty means unbounded.
	FromDate string
	ToDate   string
}

// Client wraps the explorer's REST API: list transactions by address with
// page-token pagination, paced by a token-bucket limiter and retried with
// capped exponential backoff on 429/5xx — the same retry shape as the
// teacher's withRetry in internal/flow/client.go.
type Client struct {
	baseURL   string
	chainID   int64
	ecosystem string
	apiKey    string

	httpClient *http.Client
	limiter    *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// New builds a Client for one (chainID, ecosystem) deployment, paced at
// minInterval between requests — the same newLimiterFromEnv pattern the
// teacher uses for its per-node rate limiters, just with a single global
// limiter instead of a per-IP map.
func New(baseURL string, chainID int64, ecosystem string, minInterval time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		chainID:    chainID,
		ecosystem:  ecosystem,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
		maxRetries: 5,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// addrRef is the {"id": "0x..."} shape the explorer uses for from/to.
type addrRef struct {
	ID string `json:"id"`
}

// flexString decodes a field the explorer may send as either a JSON string
// or a JSON number into a plain string, so a wire format change upstream
// (block numbers as strings one day, numbers the next) doesn't break
// decoding — the tolerant-decoder approach spec.md §9 calls for dynamic
// upstream payloads.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// rawTx is the explorer's wire shape for one transaction (spec.md §6.1).
type rawTx struct {
	ChainID           flexString `json:"chainId"`
	BlockNumber       flexString `json:"blockNumber"`
	Index             flexString `json:"index"`
	Timestamp         string     `json:"timestamp"`
	From              addrRef    `json:"from"`
	To                *addrRef   `json:"to"`
	TxHash            string     `json:"txHash"`
	ID                string     `json:"id"`
	Value             string     `json:"value"`
	GasLimit          string     `json:"gasLimit"`
	GasUsed           string     `json:"gasUsed"`
	GasPrice          string     `json:"gasPrice"`
	EffectiveGasPrice string     `json:"effectiveGasPrice"`
	BurnedFees        *string    `json:"burnedFees"`
	BaseFeePerGas     *string    `json:"baseFeePerGas"`
	MaxFeePerGas      *string    `json:"maxFeePerGas"`
	PriorityFee       *string    `json:"priorityFee"`
	MethodID          *string    `json:"methodId"`
	Method            *string    `json:"method"`
	Status            bool       `json:"status"`
	Nonce             flexString `json:"nonce"`
	Type              flexString `json:"type"`
	Input             string     `json:"input"`
	L2GasLimit        *string    `json:"l2GasLimit"`
	L2GasPrice        *string    `json:"l2GasPrice"`
}

// rawDetail is the detail endpoint's wire shape: every list field plus the
// logs/operations arrays and the L1 gas breakdown (spec.md §6.1).
type rawDetail struct {
	rawTx
	ContractVerified bool            `json:"contractVerified"`
	L1GasPrice       *string         `json:"l1GasPrice"`
	L1GasUsed        *string         `json:"l1GasUsed"`
	L1Fee            *string         `json:"l1Fee"`
	Logs             json.RawMessage `json:"logs"`
	Operations       json.RawMessage `json:"operations"`
}

type linkBlock struct {
	NextToken string `json:"nextToken"`
}

type listResponse struct {
	Items []rawTx   `json:"items"`
	Count int       `json:"count"`
	Link  linkBlock `json:"link"`
}

// ListTransactions fetches one page of transactions touching
// contractAddress (spec.md §6.1): fromAddresses/toAddresses both equal the
// contract, since we want every transfer in or out of it.
func (c *Client) ListTransactions(ctx context.Context, contractAddress string, params ListParams) (*Page, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	sort := params.Sort
	if sort == "" {
		sort = "asc"
	}

	q := url.Values{}
	q.Set("fromAddresses", contractAddress)
	q.Set("toAddresses", contractAddress)
	q.Set("includedChainIds", strconv.FormatInt(c.chainID, 10))
	q.Set("ecosystem", c.ecosystem)
	q.Set("count", strconv.Itoa(limit))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", sort)
	if params.PageToken != "" {
		q.Set("nextToken", params.PageToken)
	}
	if params.FromDate != "" {
		q.Set("fromDate", params.FromDate)
	}
	if params.ToDate != "" {
		q.Set("toDate", params.ToDate)
	}
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var resp listResponse
	if err := c.getWithRetry(ctx, "/transactions", q, &resp); err != nil {
		return nil, err
	}

	rows := make([]*models.TransactionRow, 0, len(resp.Items))
	for _, t := range resp.Items {
		row, err := canonicalize(t, contractAddress, c.chainID)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}

	return &Page{
		Transactions:  rows,
		NextPageToken: resp.Link.NextToken,
		HasMore:       resp.Link.NextToken != "",
	}, nil
}

// GetTransactionDetail fetches the per-transaction detail row (spec.md
// §4.5, §6.1) the Enrichment Pipeline writes as an EnrichmentRow: the same
// fields as the list endpoint plus logs[] and operations[].
func (c *Client) GetTransactionDetail(ctx context.Context, contractAddress, txHash string) (*models.EnrichmentRow, error) {
	q := url.Values{}
	q.Set("includedChainIds", strconv.FormatInt(c.chainID, 10))
	q.Set("ecosystem", c.ecosystem)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var resp rawDetail
	if err := c.getWithRetry(ctx, "/transactions/"+txHash, q, &resp); err != nil {
		return nil, err
	}
	return canonicalizeDetail(resp, contractAddress), nil
}

// canonicalize maps one explorer row onto the canonical TransactionRow
// model, applying spec.md §6.1's exact mapping rules: tx_hash falls back
// from txHash to id, wallet/to addresses are lowercased, the contract
// address is the address we queried (not from.id/to.id, since a contract
// can appear on either side of a transfer), and function_name is the bare
// name portion of the method signature.
func canonicalize(t rawTx, contractAddress string, chainID int64) (*models.TransactionRow, error) {
	txHash := t.TxHash
	if txHash == "" {
		txHash = t.ID
	}
	if txHash == "" {
		return nil, errors.New("explorer: row has no txHash or id, skipping")
	}

	blockNumber, err := strconv.ParseUint(string(t.BlockNumber), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("explorer: bad blockNumber %q: %w", t.BlockNumber, err)
	}
	ts, err := time.Parse(time.RFC3339, t.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("explorer: bad timestamp %q: %w", t.Timestamp, err)
	}

	txIndex, _ := strconv.Atoi(string(t.Index))
	nonce, _ := strconv.ParseUint(string(t.Nonce), 10, 64)
	txType, _ := strconv.Atoi(string(t.Type))

	status := 0
	if t.Status {
		status = 1
	}

	row := &models.TransactionRow{
		TxHash:            strings.ToLower(txHash),
		WalletAddress:     strings.ToLower(t.From.ID),
		ContractAddress:   strings.ToLower(contractAddress),
		InputData:         t.Input,
		EthValue:          orZero(t.Value),
		GasLimit:          orZero(t.GasLimit),
		GasUsed:           orZero(t.GasUsed),
		GasPrice:          orZero(t.GasPrice),
		EffectiveGasPrice: orZero(t.EffectiveGasPrice),
		BurnedFees:        t.BurnedFees,
		MaxFeePerGas:      t.MaxFeePerGas,
		PriorityFee:       t.PriorityFee,
		L2GasLimit:        t.L2GasLimit,
		L2GasPrice:        t.L2GasPrice,
		BlockNumber:       blockNumber,
		BlockTimestamp:    ts.UTC(),
		TxIndex:           txIndex,
		Nonce:             nonce,
		TxType:            txType,
		Status:            status,
		ChainID:           chainID,
	}
	if row.BurnedFees == nil {
		if computed, ok := computeBurnedFees(row.GasUsed, t.BaseFeePerGas); ok {
			row.BurnedFees = &computed
		}
	}
	if t.To != nil && t.To.ID != "" {
		to := strings.ToLower(t.To.ID)
		row.ToAddress = &to
	}
	if t.MethodID != nil && *t.MethodID != "" {
		sel := *t.MethodID
		row.FunctionSelector = &sel
	}
	if name := functionName(t.Method); name != "" {
		row.FunctionName = &name
	}
	return row, nil
}

// canonicalizeDetail applies the same tx_hash, lowercasing, zero-default
// and burned-fee rules as canonicalize (without calling it) and attaches
// the logs/operations arrays and verification flag the detail endpoint adds.
// A row that fails base canonicalization (malformed block number or
// timestamp) still produces an EnrichmentRow: detail rows are looked up by
// a tx_hash that already exists in the base table, so only the fields
// enrichment actually owns need to be trustworthy.
func canonicalizeDetail(d rawDetail, contractAddress string) *models.EnrichmentRow {
	txHash := d.TxHash
	if txHash == "" {
		txHash = d.ID
	}

	row := &models.EnrichmentRow{
		TxHash:           strings.ToLower(txHash),
		ContractAddress:  strings.ToLower(contractAddress),
		Value:            orZero(d.Value),
		GasUsed:          orZero(d.GasUsed),
		GasPrice:         orZero(d.GasPrice),
		GasLimit:         orZero(d.GasLimit),
		BurnedFees:       d.BurnedFees,
		L1GasPrice:       d.L1GasPrice,
		L1GasUsed:        d.L1GasUsed,
		L1Fee:            d.L1Fee,
		ContractVerified: d.ContractVerified,
		MethodID:         d.MethodID,
		MethodFull:       d.Method,
		Input:            d.Input,
		Logs:             orEmptyArray(d.Logs),
		Operations:       orEmptyArray(d.Operations),
	}
	if row.BurnedFees == nil {
		if computed, ok := computeBurnedFees(row.GasUsed, d.BaseFeePerGas); ok {
			row.BurnedFees = &computed
		}
	}
	return row
}

// computeBurnedFees derives the EIP-1559 burned-fee amount (gasUsed *
// baseFeePerGas) when the explorer omits burnedFees directly. It uses
// uint256.Int rather than big.Int or a plain multiply-as-strings routine
// because both operands can legitimately approach the full 256-bit range
// once gas price spikes are factored in, and uint256 avoids the heap churn
// big.Int's arbitrary-precision backing array carries for a fixed-width
// quantity we already know fits in 256 bits.
func computeBurnedFees(gasUsed string, baseFeePerGas *string) (string, bool) {
	if baseFeePerGas == nil || *baseFeePerGas == "" || gasUsed == "" {
		return "", false
	}
	gu, err := uint256.FromDecimal(gasUsed)
	if err != nil {
		return "", false
	}
	bf, err := uint256.FromDecimal(*baseFeePerGas)
	if err != nil {
		return "", false
	}
	burned := new(uint256.Int).Mul(gu, bf)
	return burned.Dec(), true
}

// functionName returns the bare name portion of a "transfer(address,
// uint256)"-shaped method signature, or "" if method is nil/empty.
func functionName(method *string) string {
	if method == nil || *method == "" {
		return ""
	}
	if idx := strings.Index(*method, "("); idx >= 0 {
		return (*method)[:idx]
	}
	return *method
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

// getWithRetry applies the limiter, issues the GET, and retries on
// transient failures with jittered capped exponential backoff (a random
// delay between half and all of the capped step) — the
// same backoff*2^attempt-capped-at-maxDelay shape as the teacher's
// withRetry, plus jitter so a burst of contracts hitting rate limits at
// once doesn't retry in lockstep.
func (c *Client) getWithRetry(ctx context.Context, path string, q url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.doGet(ctx, path, q, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("explorer: exhausted retries: %w", lastErr)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values, out any) error {
	reqURL := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &transientError{fmt.Errorf("explorer: http %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("explorer: http %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("explorer: decode response: %w", err)
	}
	return nil
}

// transientError marks a failure as retry-eligible without requiring
// callers to pattern-match on status codes themselves.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
