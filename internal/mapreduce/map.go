package mapreduce

import (
	"os"

	"DistMR/internal/partition"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

// DoMap does the job of a map worker: it reads inFile, calls mapF on its
// contents and writes the output into nReduce partitions. Every partition
// is written, empty ones included, because a reduce task needs one from
// every map task.
func DoMap(
	store storage.Store,
	jobName string,
	mapTask int,
	inFile string,
	nReduce int,
	mapF types.MapFunc,
) error {
	contents, err := os.ReadFile(inFile)
	if err != nil {
		return ioError("read input %s: %v", inFile, err)
	}

	kvs, err := callMap(mapF, inFile, string(contents))
	if err != nil {
		return err
	}

	bins := make([][]types.KeyValue, nReduce)
	for _, kv := range kvs {
		r := partition.ForKey(kv.Key, nReduce)
		bins[r] = append(bins[r], kv)
	}

	for r, bin := range bins {
		data, err := storage.EncodeRecords(bin)
		if err != nil {
			return ioError("encode partition %d: %v", r, err)
		}
		name := partition.ReduceName(jobName, mapTask, r)
		if err := store.Put(name, data); err != nil {
			return ioError("write %s: %v", name, err)
		}
	}
	return nil
}
