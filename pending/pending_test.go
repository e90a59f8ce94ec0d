package pending

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
)

func setupStoreDir(t *testing.T) string {
	filePath, err := ioutil.TempFile("", "pending")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(filePath.Name())
	return filePath.Name()
}

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func TestMarkPendingAndPendingFor(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p := peer('A')
	if err := s.MarkPending(p, "wifi0", eventlog.EventId{Sequence: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPending(p, "wifi0", eventlog.EventId{Sequence: 2}); err != nil {
		t.Fatal(err)
	}

	records, err := s.PendingFor(p, "wifi0")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(records))
	}
}

func TestMarkDeliveredUpToClearsRecords(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p := peer('B')
	for _, seq := range []uint64{1, 2, 3} {
		if err := s.MarkPending(p, "lora0", eventlog.EventId{Sequence: seq}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkDeliveredUpTo(p, "lora0", eventlog.EventId{Sequence: 2}); err != nil {
		t.Fatal(err)
	}

	records, err := s.PendingFor(p, "lora0")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].EventSeq != 3 {
		t.Fatalf("expected only seq 3 remaining, got %v", records)
	}
}

func TestRecordAttempt(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p := peer('C')
	id := eventlog.EventId{Sequence: 1}
	if err := s.MarkPending(p, "wifi0", id); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAttempt(p, "wifi0", id); err != nil {
		t.Fatal(err)
	}

	records, err := s.PendingFor(p, "wifi0")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %+v", records)
	}
}
