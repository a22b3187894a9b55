// Package jsonl provides utilities for reading, writing, and cleaning JSONL files.
package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/types"
)

// CleanerOptions controls how the cleaner processes cells
type CleanerOptions struct {
	// RemoveDuplicates removes duplicate IDs, keeping the newest version
	RemoveDuplicates bool

	// RemoveTestPollution removes cells with test/baseline prefixes
	RemoveTestPollution bool

	// RepairBrokenReferences removes dependencies to non-existent cells
	RepairBrokenReferences bool

	// Verbose enables detailed output
	Verbose bool
}

// RejectedCell tracks a single rejected cell with the reason for rejection
type RejectedCell struct {
	Cell  *types.Cell
	Reason string
}

// DuplicateRemoval tracks duplicate IDs with kept vs removed versions
type DuplicateRemoval struct {
	ID              string
	KeptVersion     *types.Cell
	RemovedVersions []*types.Cell
}

// CleanResult contains statistics about the cleaning operation
type CleanResult struct {
	// Original cell count
	OriginalCount int

	// After deduplication
	DeduplicateCount int
	DuplicateIDCount int

	// After test pollution removal
	TestPollutionCount int

	// After reference repair
	BrokenReferencesRemoved int
	BrokenDependencies      []string // Dependencies that were removed

	// Final count
	FinalCount int

	// Rejected cells for audit trail (newly added)
	RejectedDuplicates   []*DuplicateRemoval // Duplicate cells removed
	RejectedTestPollution []*RejectedCell   // Test pollution cells removed
	RejectedForBrokenRefs []*RejectedCell   // Cells with broken references (the ones we had to remove refs from, not the targets)
}

// DefaultCleanerOptions returns a CleanerOptions with all cleaning enabled
func DefaultCleanerOptions() CleanerOptions {
	return CleanerOptions{
		RemoveDuplicates:       true,
		RemoveTestPollution:    true,
		RepairBrokenReferences: true,
		Verbose:                false,
	}
}

// CleanCells applies all cleaning steps to a list of cells
func CleanCells(cells []*types.Cell, opts CleanerOptions) (*CleanResult, []*types.Cell, error) {
	result := &CleanResult{
		OriginalCount:         len(cells),
		BrokenDependencies:    []string{},
		RejectedDuplicates:    []*DuplicateRemoval{},
		RejectedTestPollution: []*RejectedCell{},
		RejectedForBrokenRefs: []*RejectedCell{},
	}

	cleaned := cells

	// Phase 1: Deduplication - keep newest version of duplicate IDs
	if opts.RemoveDuplicates {
		dedupResult, newCells := deduplicateCells(cleaned)
		result.DeduplicateCount = dedupResult.Count
		result.DuplicateIDCount = dedupResult.DuplicateIDCount
		result.RejectedDuplicates = dedupResult.RejectedDuplicates
		cleaned = newCells
	}

	// Phase 2: Remove test pollution
	if opts.RemoveTestPollution {
		count := 0
		var pollutionRejections []*RejectedCell
		cleaned, pollutionRejections = filterTestPollution(cleaned, &count)
		result.TestPollutionCount = count
		result.RejectedTestPollution = pollutionRejections
	}

	// Phase 3: Repair broken references
	if opts.RepairBrokenReferences {
		repairResult := repairBrokenReferences(cleaned)
		result.BrokenReferencesRemoved = repairResult.Count
		result.BrokenDependencies = repairResult.Dependencies
		result.RejectedForBrokenRefs = repairResult.RejectedCells
	}

	result.FinalCount = len(cleaned)

	return result, cleaned, nil
}

// dedupResult holds statistics from deduplication
type dedupResult struct {
	Count              int
	DuplicateIDCount   int
	RejectedDuplicates []*DuplicateRemoval
}

// deduplicateCells removes duplicate IDs, keeping the newest version (by UpdatedAt)
func deduplicateCells(cells []*types.Cell) (dedupResult, []*types.Cell) {
	if len(cells) == 0 {
		return dedupResult{Count: 0, RejectedDuplicates: []*DuplicateRemoval{}}, cells
	}

	// Group cells by ID
	byID := make(map[string][]*types.Cell)
	for _, cell := range cells {
		byID[cell.ID] = append(byID[cell.ID], cell)
	}

	// Keep only the newest version of each ID
	result := make([]*types.Cell, 0, len(byID))
	duplicateCount := 0
	rejectedDuplicates := []*DuplicateRemoval{}

	for _, group := range byID {
		if len(group) > 1 {
			duplicateCount += len(group) - 1
			// Sort by UpdatedAt descending, keeping newest first
			sort.Slice(group, func(i, j int) bool {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			})
			// Record what we're removing
			removal := &DuplicateRemoval{
				ID:              group[0].ID,
				KeptVersion:     group[0],
				RemovedVersions: group[1:],
			}
			rejectedDuplicates = append(rejectedDuplicates, removal)
		}
		// Keep the newest (first after sort)
		result = append(result, group[0])
	}

	return dedupResult{Count: len(result), DuplicateIDCount: duplicateCount, RejectedDuplicates: rejectedDuplicates}, result
}

// filterTestPollution removes cells whose IDs match test/baseline patterns (by ID only; git is not consulted)
func filterTestPollution(cells []*types.Cell, count *int) ([]*types.Cell, []*RejectedCell) {
	// Patterns that indicate test pollution
	testPrefixes := []string{
		"-baseline-",
		"-test-",
		"-tmp-",
		"-temp-",
		"-scratch-",
		"-demo-",
	}

	// Specific known pollution IDs from failed quality gate checks
	knownPollutionPrefixes := []string{
		"cm-9f86-baseline-",
		"cm-da96-baseline-",
	}

	*count = 0
	filtered := make([]*types.Cell, 0, len(cells))
	rejected := make([]*RejectedCell, 0)

	for _, cell := range cells {
		isTestPollution := false
		reason := ""

		// Check against known pollution prefixes first
		for _, prefix := range knownPollutionPrefixes {
			if strings.HasPrefix(cell.ID, prefix) {
				isTestPollution = true
				reason = fmt.Sprintf("matches known baseline prefix: %s", prefix)
				break
			}
		}

		// Check against general test patterns
		if !isTestPollution {
			for _, prefix := range testPrefixes {
				if strings.Contains(cell.ID, prefix) {
					isTestPollution = true
					reason = fmt.Sprintf("matches test pattern: %s", prefix)
					break
				}
			}
		}

		if !isTestPollution {
			filtered = append(filtered, cell)
		} else {
			*count++
			rejected = append(rejected, &RejectedCell{
				Cell:  cell,
				Reason: reason,
			})
		}
	}

	return filtered, rejected
}

// repairResult holds statistics from reference repair
type repairResult struct {
	Count         int
	Dependencies  []string
	RejectedCells []*RejectedCell // Cells that had broken references removed
}

// repairBrokenReferences removes dependencies to non-existent cells
func repairBrokenReferences(cells []*types.Cell) repairResult {
	// Build a set of all existing cell IDs
	idSet := make(map[string]bool)
	for _, cell := range cells {
		idSet[cell.ID] = true
	}

	result := repairResult{
		Count:          0,
		Dependencies:   []string{},
		RejectedCells: []*RejectedCell{},
	}

	// For each cell, check and repair its dependencies
	for _, cell := range cells {
		if cell.Dependencies == nil {
			continue
		}

		// Track which deps are being removed
		brokenDepInfo := []string{}
		
		// Filter out broken dependencies
		validDeps := make([]*types.Dependency, 0, len(cell.Dependencies))
		for _, dep := range cell.Dependencies {
			// Skip dependencies to deleted cells (marked with "deleted:" prefix)
			if strings.HasPrefix(dep.DependsOnID, "deleted:") {
				result.Count++
				depDesc := fmt.Sprintf("%s -> %s (deleted parent)", cell.ID, dep.DependsOnID)
				result.Dependencies = append(result.Dependencies, depDesc)
				brokenDepInfo = append(brokenDepInfo, depDesc)
				continue
			}

			// Skip dependencies to non-existent cells
			if !idSet[dep.DependsOnID] {
				result.Count++
				depDesc := fmt.Sprintf("%s -> %s (non-existent)", cell.ID, dep.DependsOnID)
				result.Dependencies = append(result.Dependencies, depDesc)
				brokenDepInfo = append(brokenDepInfo, depDesc)
				continue
			}

			// Keep valid dependency
			validDeps = append(validDeps, dep)
		}

		// If we removed any dependencies, record the cell
		if len(brokenDepInfo) > 0 {
			result.RejectedCells = append(result.RejectedCells, &RejectedCell{
				Cell:  cell,
				Reason: fmt.Sprintf("removed %d broken references: %s", len(brokenDepInfo), strings.Join(brokenDepInfo, "; ")),
			})
		}

		// Update cell's dependencies
		cell.Dependencies = validDeps
	}

	return result
}

// ValidationReport contains the results of JSONL validation
type ValidationReport struct {
	TotalCells       int
	DuplicateIDs      map[string]int    // ID -> count of occurrences
	BrokenReferences  map[string][]string // Cell ID -> list of broken deps
	TestPollutionIDs  []string
	InvalidCells     []InvalidCellReport
	Timestamp         time.Time
}

// InvalidCellReport describes an cell that failed validation
type InvalidCellReport struct {
	ID     string
	Reason string
}

// ValidateCells checks for common problems in a JSONL dataset
func ValidateCells(cells []*types.Cell) *ValidationReport {
	report := &ValidationReport{
		TotalCells:      len(cells),
		DuplicateIDs:     make(map[string]int),
		BrokenReferences: make(map[string][]string),
		TestPollutionIDs: []string{},
		InvalidCells:    []InvalidCellReport{},
		Timestamp:        time.Now(),
	}

	// Build ID set for reference validation
	idSet := make(map[string]bool)
	for _, cell := range cells {
		idSet[cell.ID] = true
		// Count duplicate IDs
		report.DuplicateIDs[cell.ID]++
	}

	// Filter to only duplicates
	for id := range report.DuplicateIDs {
		if report.DuplicateIDs[id] == 1 {
			delete(report.DuplicateIDs, id)
		}
	}

	// Check for broken references
	testPrefixes := []string{"-baseline-", "-test-", "-tmp-", "-temp-", "-scratch-", "-demo-"}
	knownPollutionPrefixes := []string{"cm-9f86-baseline-", "cm-da96-baseline-"}

	for _, cell := range cells {
		// Check for test pollution
		isTestPollution := false
		for _, prefix := range knownPollutionPrefixes {
			if strings.HasPrefix(cell.ID, prefix) {
				isTestPollution = true
				break
			}
		}
		if !isTestPollution {
			for _, prefix := range testPrefixes {
				if strings.Contains(cell.ID, prefix) {
					isTestPollution = true
					break
				}
			}
		}
		if isTestPollution {
			report.TestPollutionIDs = append(report.TestPollutionIDs, cell.ID)
		}

		// Check dependencies
		if cell.Dependencies != nil {
			for _, dep := range cell.Dependencies {
				if strings.HasPrefix(dep.DependsOnID, "deleted:") ||
					!idSet[dep.DependsOnID] {
					report.BrokenReferences[cell.ID] = append(
						report.BrokenReferences[cell.ID],
						dep.DependsOnID,
					)
				}
			}
		}

		// Validate cell structure
		if err := cell.Validate(); err != nil {
			report.InvalidCells = append(report.InvalidCells, InvalidCellReport{
				ID:     cell.ID,
				Reason: err.Error(),
			})
		}
	}

	return report
}

// HasCells returns true if the validation report found any problems
func (r *ValidationReport) HasCells() bool {
	return len(r.DuplicateIDs) > 0 ||
		len(r.BrokenReferences) > 0 ||
		len(r.TestPollutionIDs) > 0 ||
		len(r.InvalidCells) > 0
}

// Summary returns a human-readable summary of the validation
func (r *ValidationReport) Summary() string {
	lines := []string{
		fmt.Sprintf("JSONL Validation Report (%d total cells)", r.TotalCells),
		fmt.Sprintf("Generated: %s", r.Timestamp.Format(time.RFC3339)),
		"",
	}

	if len(r.DuplicateIDs) > 0 {
		lines = append(lines,
			fmt.Sprintf("❌ Duplicate IDs (%d):", len(r.DuplicateIDs)),
		)
		for id, count := range r.DuplicateIDs {
			lines = append(lines, fmt.Sprintf("   %s appears %d times", id, count))
		}
		lines = append(lines, "")
	}

	if len(r.BrokenReferences) > 0 {
		lines = append(lines,
			fmt.Sprintf("❌ Broken References (%d cells):", len(r.BrokenReferences)),
		)
		for id, refs := range r.BrokenReferences {
			for _, ref := range refs {
				lines = append(lines, fmt.Sprintf("   %s -> %s", id, ref))
			}
		}
		lines = append(lines, "")
	}

	if len(r.TestPollutionIDs) > 0 {
		lines = append(lines,
			fmt.Sprintf("⚠️  Test Pollution (%d cells):", len(r.TestPollutionIDs)),
		)
		for _, id := range r.TestPollutionIDs {
			lines = append(lines, fmt.Sprintf("   %s", id))
		}
		lines = append(lines, "")
	}

	if len(r.InvalidCells) > 0 {
		lines = append(lines,
			fmt.Sprintf("❌ Invalid Cells (%d):", len(r.InvalidCells)),
		)
		for _, inv := range r.InvalidCells {
			lines = append(lines, fmt.Sprintf("   %s: %s", inv.ID, inv.Reason))
		}
		lines = append(lines, "")
	}

	if !r.HasCells() {
		lines = append(lines, "✓ No problems found")
	}

	return strings.Join(lines, "\n")
}

// SaveRejectionManifest writes all rejected cells to a JSONL file for audit trail
func SaveRejectionManifest(projectDir string, result *CleanResult) error {
	if projectDir == "" {
		return fmt.Errorf("project directory not specified")
	}

	manifestPath := filepath.Join(projectDir, "cleaning-rejects.jsonl")
	file, err := os.Create(manifestPath) // #nosec G304 - projectDir from app context
	if err != nil {
		return fmt.Errorf("failed to create rejection manifest: %w", err)
	}
	defer file.Close()

	// Write all rejected cells as JSONL
	for _, dup := range result.RejectedDuplicates {
		// Write the kept version with metadata
		for _, removed := range dup.RemovedVersions {
			line, err := marshalCellWithReason(removed, fmt.Sprintf("duplicate of %s (kept version from %s)", dup.ID, dup.KeptVersion.UpdatedAt.Format(time.RFC3339)))
			if err != nil {
				continue
			}
			if _, err := file.WriteString(line + "\n"); err != nil {
				return err
			}
		}
	}

	for _, rejected := range result.RejectedTestPollution {
		line, err := marshalCellWithReason(rejected.Cell, rejected.Reason)
		if err != nil {
			continue
		}
		if _, err := file.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	for _, rejected := range result.RejectedForBrokenRefs {
		line, err := marshalCellWithReason(rejected.Cell, rejected.Reason)
		if err != nil {
			continue
		}
		if _, err := file.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	return nil
}

// marshalCellWithReason returns a JSON string with the cell and rejection reason
func marshalCellWithReason(cell *types.Cell, reason string) (string, error) {
	// Create a wrapper with the cell and reason
	wrapper := map[string]interface{}{
		"cell":          cell,
		"rejection_reason": reason,
		"cleaned_at":     time.Now().Format(time.RFC3339),
	}
	
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
