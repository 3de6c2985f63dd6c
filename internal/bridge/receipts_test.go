package bridge

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestReceiptStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "receipts.json")
	st, err := OpenReceiptStore(path, 10)
	if err != nil {
		t.Fatalf("OpenReceiptStore: %v", err)
	}

	if _, ok := st.Get("cmd-1"); ok {
		t.Fatal("empty store returned a receipt")
	}

	want := StoredReceipt{
		CommandID: "cmd-1",
		MachineID: "m1",
		Result:    CommandResult{Status: ResultSucceeded, DurationMs: 12, Stdout: "done"},
	}
	if err := st.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := st.Get("cmd-1")
	if !ok {
		t.Fatal("stored receipt not found")
	}
	if got.Result.Status != ResultSucceeded || got.Result.Stdout != "done" || got.StoredAt.IsZero() {
		t.Fatalf("unexpected receipt: %+v", got)
	}

	// Receipts survive a reopen.
	reopened, err := OpenReceiptStore(path, 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Get("cmd-1"); !ok {
		t.Fatal("receipt lost across reopen")
	}
}

func TestReceiptStoreCapEvictsOldest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "receipts.json")
	st, err := OpenReceiptStore(path, 3)
	if err != nil {
		t.Fatalf("OpenReceiptStore: %v", err)
	}

	for i := 0; i < 5; i++ {
		r := StoredReceipt{CommandID: fmt.Sprintf("cmd-%d", i), MachineID: "m1", Result: CommandResult{Status: ResultSucceeded}}
		if err := st.Put(r); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	if st.Len() != 3 {
		t.Fatalf("Len = %d, want 3", st.Len())
	}
	for i := 0; i < 2; i++ {
		if _, ok := st.Get(fmt.Sprintf("cmd-%d", i)); ok {
			t.Fatalf("cmd-%d should have been evicted", i)
		}
	}
	for i := 2; i < 5; i++ {
		if _, ok := st.Get(fmt.Sprintf("cmd-%d", i)); !ok {
			t.Fatalf("cmd-%d missing", i)
		}
	}
}

func TestReceiptStorePutReplacesSameID(t *testing.T) {
	t.Parallel()

	st, err := OpenReceiptStore(filepath.Join(t.TempDir(), "receipts.json"), 10)
	if err != nil {
		t.Fatalf("OpenReceiptStore: %v", err)
	}

	if err := st.Put(StoredReceipt{CommandID: "cmd", Result: CommandResult{Status: ResultFailed}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(StoredReceipt{CommandID: "cmd", Result: CommandResult{Status: ResultSucceeded}}); err != nil {
		t.Fatal(err)
	}

	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
	got, _ := st.Get("cmd")
	if got.Result.Status != ResultSucceeded {
		t.Fatalf("replacement not applied: %+v", got)
	}
}
