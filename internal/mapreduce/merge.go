package mapreduce

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"

	"DistMR/internal/partition"
	"DistMR/internal/storage"
)

// Merge combines the outputs of the nReduce reduce tasks of a job.
func Merge(store storage.Store, jobName string, nReduce int) (map[string]string, error) {
	kvs := make(map[string]string)
	for r := 0; r < nReduce; r++ {
		name := partition.MergeName(jobName, r)
		data, err := store.Get(name)
		if err != nil {
			return nil, ioError("read %s: %v", name, err)
		}
		out, err := storage.DecodeOutput(data)
		if err != nil {
			return nil, ioError("decode %s: %v", name, err)
		}
		for k, v := range out {
			kvs[k] = v
		}
	}
	return kvs, nil
}

// WriteResult writes "key: value" lines in sorted key order.
func WriteResult(w io.Writer, kvs map[string]string) error {
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s: %s\n", k, kvs[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// MergeAndStore merges the reduce outputs and stores the formatted result
// under partition.ResultName(jobName).
func MergeAndStore(store storage.Store, jobName string, nReduce int) (map[string]string, error) {
	kvs, err := Merge(store, jobName, nReduce)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteResult(&buf, kvs); err != nil {
		return nil, ioError("format result: %v", err)
	}
	if err := store.Put(partition.ResultName(jobName), buf.Bytes()); err != nil {
		return nil, ioError("write result: %v", err)
	}
	return kvs, nil
}

// CleanupFiles removes every intermediate partition, reduce output and the
// merged result of a job.
func CleanupFiles(store storage.Store, jobName string, nMap, nReduce int) error {
	var names []string
	for m := 0; m < nMap; m++ {
		for r := 0; r < nReduce; r++ {
			names = append(names, partition.ReduceName(jobName, m, r))
		}
	}
	for r := 0; r < nReduce; r++ {
		names = append(names, partition.MergeName(jobName, r))
	}
	names = append(names, partition.ResultName(jobName))

	for _, n := range names {
		if err := store.Remove(n); err != nil {
			return fmt.Errorf("failed to clean up %s: %w", n, err)
		}
	}
	return nil
}
