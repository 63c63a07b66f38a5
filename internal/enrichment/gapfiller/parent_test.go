package gapfiller

import (
	"encoding/json"
	"testing"
)

func TestWorkItemRoundTrip(t *testing.T) {
	t.Parallel()

	item := WorkItem{ID: "job-1", ContractAddress: "0xabc", StartOffset: 100, BatchSize: 50}
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded WorkItem
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != item {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, item)
	}
}

func TestResultLinePrefix(t *testing.T) {
	t.Parallel()

	r := Result{ID: "job-1", Processed: 10, Failed: 1, DurationMS: 250}
	payload, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	line := "RESULT:" + string(payload)

	if line[:7] != "RESULT:" {
		t.Fatal("expected RESULT: prefix")
	}

	var decoded Result
	if err := json.Unmarshal([]byte(line[7:]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != r {
		t.Errorf("decoded = %+v, want %+v", decoded, r)
	}
}
