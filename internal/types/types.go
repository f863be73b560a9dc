package types

// KeyValue is the record exchanged between map output, intermediate
// storage and the reduce function.
type KeyValue struct {
	Key   string
	Value string
}

// MapFunc is the application's map function.
type MapFunc func(file string, contents string) []KeyValue

// ReduceFunc is the application's reduce function. It is called once per
// distinct key with every value emitted for that key.
type ReduceFunc func(key string, values []string) string

// JobPhase indicates whether a task is scheduled as a map or reduce task.
type JobPhase string

const (
	MapPhase    JobPhase = "mapPhase"
	ReducePhase JobPhase = "reducePhase"
)

// DoTaskArgs holds the arguments that are passed to a worker when a task is
// scheduled on it. Field names must be exported for net/rpc.
type DoTaskArgs struct {
	JobName    string
	File       string // only for map tasks
	Phase      JobPhase
	TaskNumber int

	// NumOtherPhase is the number of tasks in the other phase: mappers need
	// it to know how many partitions to write, reducers to know how many
	// partitions to read.
	NumOtherPhase int
}

// RegisterArgs is the argument passed when a worker registers with the master.
type RegisterArgs struct {
	Worker string
}

// ShutdownReply is the response to a Worker.Shutdown call. Ntasks is the
// number of tasks the worker processed since it started.
type ShutdownReply struct {
	Ntasks int
}
