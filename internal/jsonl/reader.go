package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cellmesh/cellmesh/internal/types"
)

// ReadCellsFromFile reads cells from a JSONL file
func ReadCellsFromFile(path string) ([]*types.Cell, error) {
	// #nosec G304 - controlled path from caller
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close JSONL file: %v\n", err)
		}
	}()

	var cells []*types.Cell
	scanner := bufio.NewScanner(file)
	// Increase buffer size to handle large JSONL lines (e.g., big descriptions)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024) // allow up to 64MB per line
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var cell types.Cell
		if err := json.Unmarshal([]byte(line), &cell); err != nil {
			return nil, fmt.Errorf("failed to parse cell at line %d: %w", lineNum, err)
		}
		cells = append(cells, &cell)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan JSONL file: %w", err)
	}

	return cells, nil
}

// ReadCellsFromData reads cells from JSONL data in memory
func ReadCellsFromData(data []byte) ([]*types.Cell, error) {
	var cells []*types.Cell
	scanner := bufio.NewScanner(bytes.NewReader(data))
	// Increase buffer size to handle large JSONL lines
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var cell types.Cell
		if err := json.Unmarshal([]byte(line), &cell); err != nil {
			return nil, fmt.Errorf("failed to parse cell at line %d: %w", lineNum, err)
		}
		cells = append(cells, &cell)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan JSONL data: %w", err)
	}

	return cells, nil
}
