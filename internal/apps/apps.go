// Package apps holds the MapReduce applications the CLI can run.
package apps

import (
	"fmt"
	"sort"
	"strings"

	"DistMR/internal/types"
)

// App is a named pair of map and reduce functions.
type App struct {
	Name   string
	Map    types.MapFunc
	Reduce types.ReduceFunc
}

// Names lists the applications Lookup knows about.
func Names() []string {
	return []string{"wc", "ii", "grep"}
}

// Lookup returns the application called name. pattern is only used by
// grep.
func Lookup(name, pattern string) (App, error) {
	switch strings.ToLower(name) {
	case "wc", "wordcount":
		return App{Name: "wc", Map: WordCountMap, Reduce: WordCountReduce}, nil
	case "ii", "invertedindex":
		return App{Name: "ii", Map: InvertedIndexMap, Reduce: InvertedIndexReduce}, nil
	case "grep":
		g, err := NewGrep(pattern)
		if err != nil {
			return App{}, err
		}
		return App{Name: "grep", Map: g.Map, Reduce: g.Reduce}, nil
	default:
		return App{}, fmt.Errorf("unknown app %q, want one of %s", name, strings.Join(Names(), ", "))
	}
}

func dedupSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
