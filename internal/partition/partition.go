// Package partition defines where intermediate and output data of a job
// lives. Map writers, reduce readers and the final merge must all address
// data through these functions.
package partition

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// ReduceName is the address of the data map task mapTask produced for
// reduce task reduceTask.
func ReduceName(jobName string, mapTask int, reduceTask int) string {
	if mapTask < 0 || reduceTask < 0 {
		panic(fmt.Sprintf("partition: negative task index map=%d reduce=%d", mapTask, reduceTask))
	}
	return "mrtmp." + jobName + "-" + strconv.Itoa(mapTask) + "-" + strconv.Itoa(reduceTask)
}

// MergeName is the address of the output of reduce task reduceTask.
func MergeName(jobName string, reduceTask int) string {
	if reduceTask < 0 {
		panic(fmt.Sprintf("partition: negative reduce index %d", reduceTask))
	}
	return "mrtmp." + jobName + "-res-" + strconv.Itoa(reduceTask)
}

// ResultName is the address of the merged job result.
func ResultName(jobName string) string {
	return "mrtmp." + jobName
}

func IHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// ForKey picks the reduce partition a key belongs to.
func ForKey(key string, nReduce int) int {
	if nReduce <= 0 {
		panic(fmt.Sprintf("partition: nReduce must be positive, got %d", nReduce))
	}
	return int(IHash(key)&0x7fffffff) % nReduce
}
