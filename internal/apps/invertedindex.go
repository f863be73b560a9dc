package apps

import (
	"regexp"
	"strconv"
	"strings"

	"DistMR/internal/types"
)

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// InvertedIndexMap emits (word, file) for every alphanumeric word in
// contents.
func InvertedIndexMap(file string, contents string) []types.KeyValue {
	words := wordRe.FindAllString(contents, -1)
	kvs := make([]types.KeyValue, 0, len(words))
	for _, w := range words {
		kvs = append(kvs, types.KeyValue{Key: w, Value: file})
	}
	return kvs
}

// InvertedIndexReduce returns "<n> doc1,doc2,..." listing the distinct
// documents that contain key, sorted.
func InvertedIndexReduce(key string, values []string) string {
	docs := dedupSorted(values)
	return strconv.Itoa(len(docs)) + " " + strings.Join(docs, ",")
}
