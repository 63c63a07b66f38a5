package explorer

import (
	"encoding/json"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         rawTx
		wantStatus int
		wantValue  string
		wantWallet string
	}{
		{
			name: "successful transfer",
			in: rawTx{
				TxHash: "0xABC", From: addrRef{ID: "0xAAA1"}, To: &addrRef{ID: "0xBBB2"},
				Value: "1000000000000000000", GasLimit: "21000", GasUsed: "21000",
				GasPrice: "5000000000", EffectiveGasPrice: "5000000000",
				BlockNumber: "100", Timestamp: "2024-01-01T00:00:00Z",
				Index: "3", Nonce: "7", Type: "2", Status: true,
				Input: "0xa9059cbb000000000000000000000000",
			},
			wantStatus: 1,
			wantValue:  "1000000000000000000",
			wantWallet: "0xaaa1",
		},
		{
			name: "reverted transaction",
			in: rawTx{
				TxHash: "0xdef", From: addrRef{ID: "0x1"}, To: &addrRef{ID: "0x2"}, Value: "0",
				BlockNumber: "101", Timestamp: "2024-01-01T00:01:40Z",
				Index: "0", Nonce: "8", Type: "0", Status: false,
			},
			wantStatus: 0,
			wantValue:  "0",
			wantWallet: "0x1",
		},
		{
			name: "empty numeric fields default to zero",
			in: rawTx{
				TxHash: "0xghi", From: addrRef{ID: "0x1"}, To: &addrRef{ID: "0x2"},
				BlockNumber: "102", Timestamp: "2024-01-01T00:03:20Z",
			},
			wantStatus: 0,
			wantValue:  "0",
			wantWallet: "0x1",
		},
		{
			name: "id used when txHash absent",
			in: rawTx{
				ID: "0xfallback", From: addrRef{ID: "0x1"},
				BlockNumber: "103", Timestamp: "2024-01-01T00:05:00Z",
			},
			wantStatus: 0,
			wantValue:  "0",
			wantWallet: "0x1",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row, err := canonicalize(tt.in, "0xCONTRACT", 1)
			if err != nil {
				t.Fatalf("canonicalize() error = %v", err)
			}
			if row.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", row.Status, tt.wantStatus)
			}
			if row.EthValue != tt.wantValue {
				t.Errorf("EthValue = %q, want %q", row.EthValue, tt.wantValue)
			}
			if row.WalletAddress != tt.wantWallet {
				t.Errorf("WalletAddress = %q, want %q", row.WalletAddress, tt.wantWallet)
			}
			if row.ContractAddress != "0xcontract" {
				t.Errorf("ContractAddress = %q, want lowercased queried contract", row.ContractAddress)
			}
		})
	}
}

func TestCanonicalizeMissingHashSkipped(t *testing.T) {
	t.Parallel()
	_, err := canonicalize(rawTx{From: addrRef{ID: "0x1"}, BlockNumber: "5", Timestamp: "2024-01-01T00:00:00Z"}, "0xcontract", 1)
	if err == nil {
		t.Fatal("expected error for missing txHash/id")
	}
}

func TestCanonicalizeFunctionNameSplit(t *testing.T) {
	t.Parallel()
	method := "transfer(address,uint256)"
	selector := "0xa9059cbb"
	row, err := canonicalize(rawTx{
		TxHash: "0x1", From: addrRef{ID: "0x1"}, To: &addrRef{ID: "0x2"},
		MethodID: &selector, Method: &method,
		BlockNumber: "5", Timestamp: "2024-01-01T00:00:00Z",
	}, "0xcontract", 1)
	if err != nil {
		t.Fatalf("canonicalize() error = %v", err)
	}
	if row.FunctionSelector == nil || *row.FunctionSelector != "0xa9059cbb" {
		t.Errorf("FunctionSelector = %v, want 0xa9059cbb", row.FunctionSelector)
	}
	if row.FunctionName == nil || *row.FunctionName != "transfer" {
		t.Errorf("FunctionName = %v, want transfer", row.FunctionName)
	}
}

func TestCanonicalizeBadBlockNumber(t *testing.T) {
	t.Parallel()
	_, err := canonicalize(rawTx{TxHash: "0x1", BlockNumber: "not-a-number", Timestamp: "2024-01-01T00:00:00Z"}, "0xcontract", 1)
	if err == nil {
		t.Fatal("expected error for malformed block number")
	}
}

func TestCanonicalizeBadTimestamp(t *testing.T) {
	t.Parallel()
	_, err := canonicalize(rawTx{TxHash: "0x1", BlockNumber: "5", Timestamp: "not-a-timestamp"}, "0xcontract", 1)
	if err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
}

func TestComputeBurnedFeesFallback(t *testing.T) {
	t.Parallel()
	baseFee := "30000000000"
	got, ok := computeBurnedFees("21000", &baseFee)
	if !ok {
		t.Fatal("expected computeBurnedFees to succeed")
	}
	if got != "630000000000000" {
		t.Errorf("computeBurnedFees() = %q, want 630000000000000", got)
	}
}

func TestComputeBurnedFeesNoBaseFee(t *testing.T) {
	t.Parallel()
	if _, ok := computeBurnedFees("21000", nil); ok {
		t.Error("expected computeBurnedFees to fail without a base fee")
	}
}

func TestCanonicalizeDetail(t *testing.T) {
	t.Parallel()
	method := "approve(address,uint256)"
	d := rawDetail{
		rawTx: rawTx{
			TxHash: "0xDEAD", From: addrRef{ID: "0x1"}, Value: "5",
			GasUsed: "21000", GasPrice: "1", GasLimit: "21000",
			Method: &method,
		},
		ContractVerified: true,
		Logs:             json.RawMessage(`[{"address":"0xabc"}]`),
		Operations:       json.RawMessage(`[{"type":"transfer"}]`),
	}
	row := canonicalizeDetail(d, "0xCONTRACT")
	if !row.ContractVerified {
		t.Error("ContractVerified = false, want true")
	}
	if row.TxHash != "0xdead" {
		t.Errorf("TxHash = %q, want 0xdead", row.TxHash)
	}
	if string(row.Logs) != `[{"address":"0xabc"}]` {
		t.Errorf("Logs = %s, want passthrough", row.Logs)
	}
	if string(row.Operations) != `[{"type":"transfer"}]` {
		t.Errorf("Operations = %s, want passthrough", row.Operations)
	}
}

func TestCanonicalizeDetailDefaultsEmptyArrays(t *testing.T) {
	t.Parallel()
	row := canonicalizeDetail(rawDetail{rawTx: rawTx{TxHash: "0x1"}}, "0xcontract")
	if string(row.Logs) != "[]" {
		t.Errorf("Logs = %s, want []", row.Logs)
	}
	if string(row.Operations) != "[]" {
		t.Errorf("Operations = %s, want []", row.Operations)
	}
}
