package apps

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"DistMR/internal/types"
)

// Grep is a distributed grep: matching lines are the keys, the files they
// appear in the values.
type Grep struct {
	pattern string
	regex   *regexp.Regexp
}

// NewGrep compiles pattern.
func NewGrep(pattern string) (*Grep, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty grep pattern")
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return &Grep{pattern: pattern, regex: regex}, nil
}

// Map emits (line, file) for every line of contents matching the pattern.
func (g *Grep) Map(file string, contents string) []types.KeyValue {
	var results []types.KeyValue
	scanner := bufio.NewScanner(strings.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if g.regex.MatchString(line) {
			results = append(results, types.KeyValue{Key: line, Value: file})
		}
	}
	return results
}

// Reduce combines every occurrence of a matched line:
// "line -> [file1, file2]".
func (g *Grep) Reduce(key string, values []string) string {
	return fmt.Sprintf("%s -> [%s]", key, strings.Join(dedupSorted(values), ", "))
}

// CollectFiles expands paths into regular files. Directories are walked
// recursively and glob patterns are expanded.
func CollectFiles(paths []string) ([]string, error) {
	var files []string
	for _, pattern := range paths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("failed to stat %s: %w", pattern, os.ErrNotExist)
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", path, err)
			}
			if !info.IsDir() {
				files = append(files, path)
				continue
			}
			err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if f.Mode().IsRegular() {
					files = append(files, p)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in the given paths")
	}
	return files, nil
}
