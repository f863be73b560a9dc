package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"DistMR/internal/types"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.Get("mrtmp.job-0-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: expected ErrNotFound, got %v", err)
	}

	if err := s.Put("mrtmp.job-0-0", []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("mrtmp.job-0-0", []byte("second")); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	got, err := s.Get("mrtmp.job-0-0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("Get = %q, want %q", got, "second")
	}

	if err := s.Put("mrtmp.job-empty", nil); err != nil {
		t.Fatalf("Put empty failed: %v", err)
	}
	if got, err := s.Get("mrtmp.job-empty"); err != nil || len(got) != 0 {
		t.Fatalf("Get empty = %q, %v", got, err)
	}

	if err := s.Remove("mrtmp.job-0-0"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove("mrtmp.job-0-0"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if _, err := s.Get("mrtmp.job-0-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Remove: expected ErrNotFound, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	testStore(t, s)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestFileStoreRejectsPaths(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := s.Put("../escape", []byte("x")); err == nil {
		t.Fatalf("expected error for address with a path separator")
	}
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "mr.db"))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestRecordsRoundTrip(t *testing.T) {
	in := []types.KeyValue{
		{Key: "a", Value: "1"},
		{Key: "line\nbreak", Value: `"quoted"`},
		{Key: "a", Value: "1"},
		{Key: "\xff", Value: "x\xfe"},
		{Key: "\xfe", Value: ""},
		{Key: "", Value: "\xff"},
	}
	data, err := EncodeRecords(in)
	if err != nil {
		t.Fatalf("EncodeRecords failed: %v", err)
	}
	out, err := DecodeRecords(data)
	if err != nil {
		t.Fatalf("DecodeRecords failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, out[i], in[i])
		}
	}

	empty, err := DecodeRecords(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("DecodeRecords(nil) = %v, %v", empty, err)
	}

	if _, err := DecodeRecords([]byte(`{"Key":"a",`)); err == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestEncodeOutputSortedAndEmpty(t *testing.T) {
	data, err := EncodeOutput(map[string]string{"b": "2", "a": "1"})
	if err != nil {
		t.Fatalf("EncodeOutput failed: %v", err)
	}
	if string(data) != `[{"Key":"a","Value":"1"},{"Key":"b","Value":"2"}]` {
		t.Fatalf("EncodeOutput = %s", data)
	}

	data, err = EncodeOutput(nil)
	if err != nil {
		t.Fatalf("EncodeOutput(nil) failed: %v", err)
	}
	if string(data) != `[]` {
		t.Fatalf("EncodeOutput(nil) = %s", data)
	}
	out, err := DecodeOutput(data)
	if err != nil || len(out) != 0 {
		t.Fatalf("DecodeOutput([]) = %v, %v", out, err)
	}
}

func TestOutputKeepsInvalidUTF8(t *testing.T) {
	in := map[string]string{"\xff": "1", "\xfe": "2", "ok": "\xfd"}
	data, err := EncodeOutput(in)
	if err != nil {
		t.Fatalf("EncodeOutput failed: %v", err)
	}
	out, err := DecodeOutput(data)
	if err != nil {
		t.Fatalf("DecodeOutput failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d keys, want %d: %q", len(out), len(in), out)
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("out[%q] = %q, want %q", k, out[k], v)
		}
	}
}
