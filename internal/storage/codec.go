package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"DistMR/internal/types"
)

// EncodeRecords encodes kvs as a stream of JSON objects, one per line.
func EncodeRecords(kvs []types.KeyValue) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range kvs {
		if err := enc.Encode(&kvs[i]); err != nil {
			return nil, fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRecords is the inverse of EncodeRecords. An empty input decodes to
// an empty slice.
func DecodeRecords(data []byte) ([]types.KeyValue, error) {
	var kvs []types.KeyValue
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var kv types.KeyValue
		err := dec.Decode(&kv)
		if errors.Is(err, io.EOF) {
			return kvs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", len(kvs), err)
		}
		kvs = append(kvs, kv)
	}
}

// EncodeOutput encodes a reduce output as a JSON array of records sorted by
// key, so equal outputs encode identically.
func EncodeOutput(out map[string]string) ([]byte, error) {
	kvs := make([]types.KeyValue, 0, len(out))
	for k, v := range out {
		kvs = append(kvs, types.KeyValue{Key: k, Value: v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	data, err := json.Marshal(kvs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return data, nil
}

func DecodeOutput(data []byte) (map[string]string, error) {
	var kvs []types.KeyValue
	if err := json.Unmarshal(data, &kvs); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out, nil
}
