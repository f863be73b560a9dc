// Package mapreduce holds the task executors a worker runs: DoMap reads one
// input file and partitions the map output across nReduce intermediate
// blobs, DoReduce shuffles one partition from every map task, groups it by
// key and applies the reduce function. Merge combines the reduce outputs
// into the job result.
//
// All intermediate data is addressed through package partition and kept in
// a storage.Store shared by the master and its workers.
package mapreduce

import (
	"errors"
	"fmt"

	"DistMR/internal/types"
)

var (
	// ErrIO reports intermediate data that is missing or corrupt, or output
	// that could not be written.
	ErrIO = errors.New("io failure")

	// ErrUserFunction reports a panic in the application's map or reduce
	// function.
	ErrUserFunction = errors.New("user function failure")
)

func ioError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIO, fmt.Sprintf(format, args...))
}

func callMap(mapF types.MapFunc, file, contents string) (kvs []types.KeyValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: map %s: %v", ErrUserFunction, file, r)
		}
	}()
	return mapF(file, contents), nil
}

func callReduce(reduceF types.ReduceFunc, key string, values []string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: reduce key %q: %v", ErrUserFunction, key, r)
		}
	}()
	return reduceF(key, values), nil
}
