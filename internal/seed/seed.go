// Package seed reads product code lists for populating the work item store.
package seed

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// CodeLength is the number of digits in a product code.
const CodeLength = 8

// Result is the outcome of reading a code list.
type Result struct {
	// Codes holds the valid codes in file order, without duplicates.
	Codes []string
	// Invalid counts non-blank lines that are not 8-digit codes.
	Invalid int
	// Duplicates counts valid codes seen more than once.
	Duplicates int
}

// Valid reports whether code is exactly eight ASCII digits.
func Valid(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Load reads one code per line from r. Blank lines are ignored.
func Load(r io.Reader, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res Result
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		code := strings.TrimSpace(scanner.Text())
		if code == "" {
			continue
		}
		if !Valid(code) {
			res.Invalid++
			logger.Warn("skipping invalid code", zap.Int("line", line), zap.String("value", code))
			continue
		}
		if _, dup := seen[code]; dup {
			res.Duplicates++
			continue
		}
		seen[code] = struct{}{}
		res.Codes = append(res.Codes, code)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read codes: %w", err)
	}
	logger.Info("loaded codes",
		zap.Int("valid", len(res.Codes)),
		zap.Int("invalid", res.Invalid),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

// LoadFile reads a code list from path.
func LoadFile(path string, logger *zap.Logger) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open code list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f, logger)
}
