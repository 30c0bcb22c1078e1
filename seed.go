package proxylab

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParsePatternList reads one pattern per line. Blank lines and text after
// '#' are ignored.
func ParsePatternList(r io.Reader) ([]string, error) {
	var patterns []string
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text, _, _ := strings.Cut(sc.Text(), "#")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		patterns = append(patterns, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pattern list: %w", err)
	}
	return patterns, nil
}

// LoadPatternFile parses the pattern list at path.
func LoadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer f.Close()
	return ParsePatternList(f)
}

// SeedBlockList adds each pattern to bl. Duplicates and patterns that
// normalize to nothing are skipped. It returns the number inserted.
func SeedBlockList(ctx context.Context, bl *BlockList, patterns []string) (int, error) {
	added := 0
	for _, p := range patterns {
		ok, err := bl.Add(ctx, p)
		switch {
		case errors.Is(err, ErrEmptyPattern):
			continue
		case err != nil:
			return added, err
		case ok:
			added++
		}
	}
	return added, nil
}
