package mapreduce

import (
	"sort"

	"DistMR/internal/partition"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

// DoReduce does the job of a reduce worker. It reads the partition for
// reduceTask from each of the nMap map tasks, sorts the records by key,
// calls reduceF once per distinct key in ascending key order, and writes
// the {key: reduced} object to outFile.
//
// Output is only written once every key has been reduced; a missing
// partition or a failing reduceF leaves outFile untouched.
func DoReduce(
	store storage.Store,
	jobName string,
	reduceTask int,
	outFile string,
	nMap int,
	reduceF types.ReduceFunc,
) error {
	var kvs []types.KeyValue
	for m := 0; m < nMap; m++ {
		name := partition.ReduceName(jobName, m, reduceTask)
		data, err := store.Get(name)
		if err != nil {
			return ioError("read %s: %v", name, err)
		}
		recs, err := storage.DecodeRecords(data)
		if err != nil {
			return ioError("decode %s: %v", name, err)
		}
		kvs = append(kvs, recs...)
	}

	out, err := reduceSorted(kvs, reduceF)
	if err != nil {
		return err
	}

	data, err := storage.EncodeOutput(out)
	if err != nil {
		return ioError("encode output: %v", err)
	}
	if err := store.Put(outFile, data); err != nil {
		return ioError("write %s: %v", outFile, err)
	}
	return nil
}

// reduceSorted sorts kvs by key and reduces each run of equal keys.
func reduceSorted(kvs []types.KeyValue, reduceF types.ReduceFunc) (map[string]string, error) {
	sort.SliceStable(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })

	out := make(map[string]string)
	for i := 0; i < len(kvs); {
		j := i + 1
		for j < len(kvs) && kvs[j].Key == kvs[i].Key {
			j++
		}
		values := make([]string, 0, j-i)
		for k := i; k < j; k++ {
			values = append(values, kvs[k].Value)
		}

		reduced, err := callReduce(reduceF, kvs[i].Key, values)
		if err != nil {
			return nil, err
		}
		out[kvs[i].Key] = reduced
		i = j
	}
	return out, nil
}
