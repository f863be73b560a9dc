package mapreduce

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"DistMR/internal/partition"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

func newStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func putPartition(t *testing.T, s storage.Store, job string, m, r int, kvs []types.KeyValue) {
	t.Helper()
	data, err := storage.EncodeRecords(kvs)
	if err != nil {
		t.Fatalf("EncodeRecords failed: %v", err)
	}
	if err := s.Put(partition.ReduceName(job, m, r), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func readOutput(t *testing.T, s storage.Store, name string) map[string]string {
	t.Helper()
	data, err := s.Get(name)
	if err != nil {
		t.Fatalf("Get %s failed: %v", name, err)
	}
	out, err := storage.DecodeOutput(data)
	if err != nil {
		t.Fatalf("DecodeOutput failed: %v", err)
	}
	return out
}

type reduceCall struct {
	key    string
	values []string
}

func TestDoReduceGroupsAcrossPartitions(t *testing.T) {
	s := newStore(t)
	putPartition(t, s, "job", 0, 0, []types.KeyValue{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})
	putPartition(t, s, "job", 1, 0, []types.KeyValue{{Key: "a", Value: "3"}})

	var calls []reduceCall
	reduceF := func(key string, values []string) string {
		calls = append(calls, reduceCall{key, append([]string(nil), values...)})
		return key + "=" + strings.Join(values, "+")
	}

	out := partition.MergeName("job", 0)
	if err := DoReduce(s, "job", 0, out, 2, reduceF); err != nil {
		t.Fatalf("DoReduce failed: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 reduce calls, got %d: %v", len(calls), calls)
	}
	if calls[0].key != "a" || strings.Join(calls[0].values, ",") != "1,3" {
		t.Fatalf("first call = %+v, want (a, [1 3])", calls[0])
	}
	if calls[1].key != "b" || strings.Join(calls[1].values, ",") != "2" {
		t.Fatalf("second call = %+v, want (b, [2])", calls[1])
	}

	got := readOutput(t, s, out)
	if len(got) != 2 || got["a"] != "a=1+3" || got["b"] != "b=2" {
		t.Fatalf("output = %v", got)
	}
}

func TestDoReduceKeepsNonUTF8KeysApart(t *testing.T) {
	s := newStore(t)
	putPartition(t, s, "job", 0, 0, []types.KeyValue{{Key: "\xff", Value: "1"}, {Key: "\xfe", Value: "2"}})
	putPartition(t, s, "job", 1, 0, []types.KeyValue{{Key: "\xff", Value: "3"}})

	var calls []reduceCall
	reduceF := func(key string, values []string) string {
		calls = append(calls, reduceCall{key, append([]string(nil), values...)})
		return strings.Join(values, "+")
	}

	out := partition.MergeName("job", 0)
	if err := DoReduce(s, "job", 0, out, 2, reduceF); err != nil {
		t.Fatalf("DoReduce failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 reduce calls, got %d: %q", len(calls), calls)
	}
	if calls[0].key != "\xfe" || strings.Join(calls[0].values, ",") != "2" {
		t.Fatalf("first call = %q, want (\\xfe, [2])", calls[0])
	}
	if calls[1].key != "\xff" || strings.Join(calls[1].values, ",") != "1,3" {
		t.Fatalf("second call = %q, want (\\xff, [1 3])", calls[1])
	}

	got := readOutput(t, s, out)
	if len(got) != 2 || got["\xff"] != "1+3" || got["\xfe"] != "2" {
		t.Fatalf("output = %q", got)
	}
}

func TestDoReduceEmptyInputWritesEmptyOutput(t *testing.T) {
	s := newStore(t)
	putPartition(t, s, "job", 0, 1, nil)
	putPartition(t, s, "job", 1, 1, nil)

	called := false
	out := partition.MergeName("job", 1)
	err := DoReduce(s, "job", 1, out, 2, func(string, []string) string {
		called = true
		return ""
	})
	if err != nil {
		t.Fatalf("DoReduce failed: %v", err)
	}
	if called {
		t.Fatalf("reduce function called on empty input")
	}

	data, err := s.Get(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("output = %s, want []", data)
	}
}

func TestDoReduceMissingPartition(t *testing.T) {
	s := newStore(t)
	putPartition(t, s, "job", 0, 0, []types.KeyValue{{Key: "a", Value: "1"}})

	out := partition.MergeName("job", 0)
	err := DoReduce(s, "job", 0, out, 2, func(k string, v []string) string { return k })
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if _, err := s.Get(out); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("output written despite missing partition: %v", err)
	}
}

func TestDoReduceCorruptPartition(t *testing.T) {
	s := newStore(t)
	if err := s.Put(partition.ReduceName("job", 0, 0), []byte("{not json")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err := DoReduce(s, "job", 0, partition.MergeName("job", 0), 1, func(k string, v []string) string { return k })
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestDoReduceUserFunctionFailure(t *testing.T) {
	s := newStore(t)
	putPartition(t, s, "job", 0, 0, []types.KeyValue{{Key: "a", Value: "1"}, {Key: "boom", Value: "2"}})

	out := partition.MergeName("job", 0)
	err := DoReduce(s, "job", 0, out, 1, func(k string, v []string) string {
		if k == "boom" {
			panic("bad key")
		}
		return k
	})
	if !errors.Is(err, ErrUserFunction) {
		t.Fatalf("expected ErrUserFunction, got %v", err)
	}
	if _, err := s.Get(out); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("partial output written: %v", err)
	}
}

// Every key of the union is reduced once with exactly its multiset of
// values, whatever order the partitions were produced in.
func TestDoReduceMultisetAcrossPartitionOrders(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const nMap = 5

	var all []types.KeyValue
	for i := 0; i < 200; i++ {
		all = append(all, types.KeyValue{
			Key:   "k" + strconv.Itoa(rng.Intn(20)),
			Value: strconv.Itoa(rng.Intn(5)),
		})
	}

	want := make(map[string][]string)
	for _, kv := range all {
		want[kv.Key] = append(want[kv.Key], kv.Value)
	}
	for k := range want {
		sort.Strings(want[k])
	}

	sum := func(key string, values []string) string {
		total := 0
		for _, v := range values {
			n, _ := strconv.Atoi(v)
			total += n
		}
		return strconv.Itoa(total)
	}

	var first map[string]string
	for trial := 0; trial < 3; trial++ {
		s := newStore(t)
		perm := rng.Perm(len(all))
		parts := make([][]types.KeyValue, nMap)
		for i, p := range perm {
			parts[i%nMap] = append(parts[i%nMap], all[p])
		}
		for m, p := range parts {
			putPartition(t, s, "job", m, 0, p)
		}

		seen := make(map[string][]string)
		reduceF := func(key string, values []string) string {
			if _, dup := seen[key]; dup {
				t.Fatalf("key %s reduced twice", key)
			}
			vs := append([]string(nil), values...)
			sort.Strings(vs)
			seen[key] = vs
			return sum(key, values)
		}

		out := partition.MergeName("job", 0)
		if err := DoReduce(s, "job", 0, out, nMap, reduceF); err != nil {
			t.Fatalf("DoReduce failed: %v", err)
		}

		if len(seen) != len(want) {
			t.Fatalf("reduced %d keys, want %d", len(seen), len(want))
		}
		for k, vs := range want {
			if fmt.Sprint(seen[k]) != fmt.Sprint(vs) {
				t.Fatalf("key %s: values %v, want %v", k, seen[k], vs)
			}
		}

		got := readOutput(t, s, out)
		if first == nil {
			first = got
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(first) {
			t.Fatalf("trial %d output differs: %v vs %v", trial, got, first)
		}
	}
}

func TestDoMapWritesEveryPartition(t *testing.T) {
	s := newStore(t)
	in := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(in, []byte("x y z x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	words := func(file, contents string) []types.KeyValue {
		var kvs []types.KeyValue
		for _, w := range strings.Fields(contents) {
			kvs = append(kvs, types.KeyValue{Key: w, Value: file})
		}
		return kvs
	}

	const nReduce = 4
	if err := DoMap(s, "job", 3, in, nReduce, words); err != nil {
		t.Fatalf("DoMap failed: %v", err)
	}

	total := 0
	for r := 0; r < nReduce; r++ {
		data, err := s.Get(partition.ReduceName("job", 3, r))
		if err != nil {
			t.Fatalf("partition %d missing: %v", r, err)
		}
		kvs, err := storage.DecodeRecords(data)
		if err != nil {
			t.Fatalf("partition %d unreadable: %v", r, err)
		}
		for _, kv := range kvs {
			if p := partition.ForKey(kv.Key, nReduce); p != r {
				t.Fatalf("key %s in partition %d, belongs in %d", kv.Key, r, p)
			}
		}
		total += len(kvs)
	}
	if total != 4 {
		t.Fatalf("wrote %d records, want 4", total)
	}
}

func TestDoMapErrors(t *testing.T) {
	s := newStore(t)
	noop := func(string, string) []types.KeyValue { return nil }

	err := DoMap(s, "job", 0, filepath.Join(t.TempDir(), "missing"), 2, noop)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO for missing input, got %v", err)
	}

	in := filepath.Join(t.TempDir(), "in")
	if err := os.WriteFile(in, []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	err = DoMap(s, "job", 0, in, 2, func(string, string) []types.KeyValue { panic("map broke") })
	if !errors.Is(err, ErrUserFunction) {
		t.Fatalf("expected ErrUserFunction, got %v", err)
	}
}

func TestMergeAndCleanup(t *testing.T) {
	s := newStore(t)
	for r, out := range []map[string]string{{"a": "1", "c": "3"}, {"b": "2"}} {
		data, _ := storage.EncodeOutput(out)
		if err := s.Put(partition.MergeName("job", r), data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	putPartition(t, s, "job", 0, 0, nil)
	putPartition(t, s, "job", 0, 1, nil)

	kvs, err := MergeAndStore(s, "job", 2)
	if err != nil {
		t.Fatalf("MergeAndStore failed: %v", err)
	}
	if len(kvs) != 3 {
		t.Fatalf("merged %d keys, want 3", len(kvs))
	}
	data, err := s.Get(partition.ResultName("job"))
	if err != nil {
		t.Fatalf("result missing: %v", err)
	}
	if string(data) != "a: 1\nb: 2\nc: 3\n" {
		t.Fatalf("result = %q", data)
	}

	if err := CleanupFiles(s, "job", 1, 2); err != nil {
		t.Fatalf("CleanupFiles failed: %v", err)
	}
	if _, err := s.Get(partition.ResultName("job")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("result not removed: %v", err)
	}

	if _, err := Merge(s, "job", 2); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO merging missing outputs, got %v", err)
	}
}
