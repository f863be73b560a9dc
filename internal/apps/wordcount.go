package apps

import (
	"strconv"
	"strings"
	"unicode"

	"DistMR/internal/types"
)

// WordCountMap splits contents into words on any non-letter and emits
// (word, "1") for each.
func WordCountMap(file string, contents string) []types.KeyValue {
	words := strings.FieldsFunc(contents, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	kvs := make([]types.KeyValue, 0, len(words))
	for _, w := range words {
		kvs = append(kvs, types.KeyValue{Key: w, Value: "1"})
	}
	return kvs
}

// WordCountReduce returns the number of occurrences of key.
func WordCountReduce(key string, values []string) string {
	return strconv.Itoa(len(values))
}
