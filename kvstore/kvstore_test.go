package kvstore

import (
	"io/ioutil"
	"os"
	"testing"
)

func setupDir(t *testing.T) string {
	filePath, err := ioutil.TempFile("", "kvstore")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(filePath.Name())
	return filePath.Name()
}

type record struct {
	Value string
}

func TestPutGet(t *testing.T) {
	dir := setupDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := Key("interface", "wifi0")
	if err := s.Put(key, record{Value: "hello"}); err != nil {
		t.Fatal(err)
	}

	var out record
	if err := s.Get(key, &out); err != nil {
		t.Fatal(err)
	}
	if out.Value != "hello" {
		t.Fatalf("expected hello, got %q", out.Value)
	}
}

func TestDelete(t *testing.T) {
	dir := setupDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := Key("sync_state", "peerA", "iface0")
	if err := s.Put(key, record{Value: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key, record{}); err != nil {
		t.Fatal(err)
	}

	var out record
	if s.Has(key, &out) {
		t.Fatal("expected key to be deleted")
	}
}

func TestKeyJoinsWithNulByte(t *testing.T) {
	k := Key("pending", "peerA", "iface0", "42")
	want := "pending\x00peerA\x00iface0\x0042"
	if k != want {
		t.Fatalf("expected %q, got %q", want, k)
	}
}
