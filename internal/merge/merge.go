// Copyright (c) 2024 @neongreen (https://github.com/neongreen)
// Originally from: https://github.com/neongreen/mono/tree/main/beads-merge
//
// MIT License
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// ---
// Adapted for cellmesh's cell data model from the three-way JSONL merge
// algorithm vendored into beads with permission from @neongreen.
// See: https://github.com/neongreen/mono/issues/240

// Package merge implements the deterministic three-way JSONL merge used as
// a Git merge driver. All conflicts resolve deterministically;
// the driver never emits conflict markers into cell records themselves —
// callers that want visibility into true conflicts inspect the returned
// conflict list.
package merge

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/cellmesh/cellmesh/internal/types"
)

// Cell embeds types.Cell to prevent field drift. RawLine preserves the
// original JSON line for conflict diagnostics.
type Cell struct {
	types.Cell
	RawLine string `json:"-"`
}

// CellKey uniquely identifies a cell for matching across base/left/right.
type CellKey struct {
	ID        string
	CreatedAt time.Time
	CreatedBy string
}

// Merge3Way reads base/left/right JSONL files, merges them, and writes the
// result (plus any conflict diagnostics) to outputPath. It returns an error
// if any conflicts were recorded, so callers can distinguish "merged
// cleanly" from "merged with deterministic tie-breaks worth reviewing".
func Merge3Way(outputPath, basePath, leftPath, rightPath string, debug bool) error {
	baseCells, err := readCells(basePath)
	if err != nil {
		return fmt.Errorf("error reading base file: %w", err)
	}
	leftCells, err := readCells(leftPath)
	if err != nil {
		return fmt.Errorf("error reading left file: %w", err)
	}
	rightCells, err := readCells(rightPath)
	if err != nil {
		return fmt.Errorf("error reading right file: %w", err)
	}

	if debug {
		fmt.Fprintf(os.Stderr, "base=%d left=%d right=%d\n", len(baseCells), len(leftCells), len(rightCells))
	}

	result, conflicts := merge3Way(baseCells, leftCells, rightCells, debug)

	outFile, err := os.Create(outputPath) // #nosec G304 -- outputPath provided by CLI flag but sanitized earlier
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer outFile.Close()

	for _, cell := range result {
		line, err := cell.MarshalCanonical()
		if err != nil {
			return fmt.Errorf("error marshaling cell %s: %w", cell.ID, err)
		}
		if _, err := fmt.Fprintln(outFile, string(line)); err != nil {
			return fmt.Errorf("error writing merged cell: %w", err)
		}
	}
	for _, conflict := range conflicts {
		if _, err := fmt.Fprintln(outFile, conflict); err != nil {
			return fmt.Errorf("error writing conflict: %w", err)
		}
	}

	if len(conflicts) > 0 {
		return fmt.Errorf("merge completed with %d conflicts", len(conflicts))
	}
	return nil
}

func readCells(path string) ([]Cell, error) {
	file, err := os.Open(path) // #nosec G304 -- path supplied by CLI flag and validated upstream
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var cells []Cell
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var cell Cell
		if err := json.Unmarshal([]byte(line), &cell); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", lineNum, err)
		}
		cell.RawLine = line
		cells = append(cells, cell)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return cells, nil
}

func makeKey(cell Cell) CellKey {
	return CellKey{ID: cell.ID, CreatedAt: cell.CreatedAt, CreatedBy: cell.CreatedBy}
}

const (
	StatusTombstone = types.StatusTombstone
	StatusClosed    = types.StatusClosed
)

var (
	DefaultTombstoneTTL = types.DefaultTombstoneTTL
	ClockSkewGrace      = types.ClockSkewGrace
)

// IsTombstone returns true if the cell has been soft-deleted.
func IsTombstone(cell Cell) bool {
	return cell.Status == StatusTombstone
}

// IsExpiredTombstone implements tombstone expiry: a tombstone with deleted_at older
// than ttl+ClockSkewGrace is expired and loses a merge to a live record.
func IsExpiredTombstone(cell Cell, ttl time.Duration) bool {
	if !IsTombstone(cell) {
		return false
	}
	if cell.DeletedAt == nil || cell.DeletedAt.IsZero() {
		return false
	}
	if ttl == 0 {
		ttl = DefaultTombstoneTTL
	}
	expirationTime := cell.DeletedAt.Add(ttl + ClockSkewGrace)
	return time.Now().After(expirationTime)
}

func merge3Way(base, left, right []Cell, debug bool) ([]Cell, []string) {
	return Merge3WayWithTTL(base, left, right, DefaultTombstoneTTL, debug)
}

// Merge3WayWithTTL is the core merge function.
// Exposed separately so tests and tools can exercise non-default TTLs.
func Merge3WayWithTTL(base, left, right []Cell, ttl time.Duration, debug bool) ([]Cell, []string) {
	baseMap := make(map[CellKey]Cell)
	for _, c := range base {
		baseMap[makeKey(c)] = c
	}
	leftMap := make(map[CellKey]Cell)
	for _, c := range left {
		leftMap[makeKey(c)] = c
	}
	rightMap := make(map[CellKey]Cell)
	for _, c := range right {
		rightMap[makeKey(c)] = c
	}

	// ID-based fallback maps handle the same cell appearing with slightly
	// different CreatedAt/CreatedBy across systems (timestamp precision
	// differences), so a tombstone on one side still matches a live record
	// on the other by ID.
	leftByID := make(map[string]Cell)
	for _, c := range left {
		leftByID[c.ID] = c
	}
	rightByID := make(map[string]Cell)
	for _, c := range right {
		rightByID[c.ID] = c
	}

	processed := make(map[CellKey]bool)
	processedIDs := make(map[string]bool)
	var result []Cell
	var conflicts []string

	allKeys := make(map[CellKey]bool)
	for k := range baseMap {
		allKeys[k] = true
	}
	for k := range leftMap {
		allKeys[k] = true
	}
	for k := range rightMap {
		allKeys[k] = true
	}

	for key := range allKeys {
		if processed[key] {
			continue
		}
		processed[key] = true

		baseCell, inBase := baseMap[key]
		leftCell, inLeft := leftMap[key]
		rightCell, inRight := rightMap[key]

		if !inLeft && inRight {
			if fallback, found := leftByID[rightCell.ID]; found {
				leftCell, inLeft = fallback, true
				processed[makeKey(fallback)] = true
			}
		}
		if !inRight && inLeft {
			if fallback, found := rightByID[leftCell.ID]; found {
				rightCell, inRight = fallback, true
				processed[makeKey(fallback)] = true
			}
		}

		currentID := key.ID
		if currentID == "" {
			switch {
			case inLeft:
				currentID = leftCell.ID
			case inRight:
				currentID = rightCell.ID
			case inBase:
				currentID = baseCell.ID
			}
		}
		if currentID != "" && processedIDs[currentID] {
			continue
		}
		if currentID != "" {
			processedIDs[currentID] = true
		}

		leftTombstone := inLeft && IsTombstone(leftCell)
		rightTombstone := inRight && IsTombstone(rightCell)

		switch {
		case inBase && inLeft && inRight:
			if leftTombstone && rightTombstone {
				result = append(result, mergeTombstones(leftCell, rightCell))
				continue
			}
			if leftTombstone && !rightTombstone {
				if IsExpiredTombstone(leftCell, ttl) {
					if debug {
						fmt.Fprintf(os.Stderr, "cell %s resurrected (tombstone expired)\n", rightCell.ID)
					}
					result = append(result, rightCell)
				} else {
					result = append(result, leftCell)
				}
				continue
			}
			if rightTombstone && !leftTombstone {
				if IsExpiredTombstone(rightCell, ttl) {
					if debug {
						fmt.Fprintf(os.Stderr, "cell %s resurrected (tombstone expired)\n", leftCell.ID)
					}
					result = append(result, leftCell)
				} else {
					result = append(result, rightCell)
				}
				continue
			}
			merged, conflict := mergeCell(baseCell, leftCell, rightCell)
			if conflict != "" {
				conflicts = append(conflicts, conflict)
			} else {
				result = append(result, merged)
			}

		case !inBase && inLeft && inRight:
			// Added on both sides.
			if leftTombstone && rightTombstone {
				result = append(result, mergeTombstones(leftCell, rightCell))
				continue
			}
			if leftTombstone && !rightTombstone {
				if IsExpiredTombstone(leftCell, ttl) {
					result = append(result, rightCell)
				} else {
					result = append(result, leftCell)
				}
				continue
			}
			if rightTombstone && !leftTombstone {
				if IsExpiredTombstone(rightCell, ttl) {
					result = append(result, leftCell)
				} else {
					result = append(result, rightCell)
				}
				continue
			}
			emptyBase := Cell{Cell: types.Cell{ID: leftCell.ID, CreatedAt: leftCell.CreatedAt, CreatedBy: leftCell.CreatedBy}}
			merged, _ := mergeCell(emptyBase, leftCell, rightCell)
			result = append(result, merged)

		case inBase && inLeft && !inRight:
			// Deleted in right unless left kept a tombstone; deletion wins
			// over a plain modification.
			if leftTombstone {
				result = append(result, leftCell)
			}

		case inBase && !inLeft && inRight:
			if rightTombstone {
				result = append(result, rightCell)
			}

		case !inBase && inLeft && !inRight:
			result = append(result, leftCell)

		case !inBase && !inLeft && inRight:
			result = append(result, rightCell)
		}
	}

	slices.SortFunc(result, func(a, b Cell) int { return cmp.Compare(a.ID, b.ID) })
	return result, conflicts
}

// mergeTombstones resolves two tombstones for the same cell: the later
// deleted_at wins.
func mergeTombstones(left, right Cell) Cell {
	leftHas := left.DeletedAt != nil && !left.DeletedAt.IsZero()
	rightHas := right.DeletedAt != nil && !right.DeletedAt.IsZero()
	switch {
	case !leftHas && !rightHas:
		return left
	case !leftHas:
		return right
	case !rightHas:
		return left
	case isTimePtrAfter(left.DeletedAt, right.DeletedAt):
		return left
	default:
		return right
	}
}

// mergeCell applies the field-wise merge rules.
func mergeCell(base, left, right Cell) (Cell, string) {
	result := Cell{Cell: types.Cell{ID: base.ID, CreatedAt: base.CreatedAt, CreatedBy: base.CreatedBy}}

	result.Title = mergeFieldByUpdatedAt(base.Title, left.Title, right.Title, left.UpdatedAt, right.UpdatedAt)
	result.Description = mergeFieldByUpdatedAt(base.Description, left.Description, right.Description, left.UpdatedAt, right.UpdatedAt)
	result.Status = mergeStatus(base.Status, left.Status, right.Status)
	result.Priority = mergePriority(base.Priority, left.Priority, right.Priority)
	result.CellType = mergeCellType(base.CellType, left.CellType, right.CellType)
	result.Assignee = mergeField(base.Assignee, left.Assignee, right.Assignee)
	result.ParentID = mergeField(base.ParentID, left.ParentID, right.ParentID)
	result.UpdatedAt = maxTime(left.UpdatedAt, right.UpdatedAt)

	if result.Status == StatusClosed {
		result.ClosedAt = maxTimePtr(left.ClosedAt, right.ClosedAt)
		if isTimePtrAfter(left.ClosedAt, right.ClosedAt) {
			result.CloseReason = left.CloseReason
		} else if right.ClosedAt != nil && !right.ClosedAt.IsZero() {
			result.CloseReason = right.CloseReason
		} else {
			result.CloseReason = left.CloseReason
		}
	} else {
		result.ClosedAt = nil
		result.CloseReason = ""
	}

	result.Result = mergeField(base.Result, left.Result, right.Result)
	result.ResultAt = maxTimePtr(left.ResultAt, right.ResultAt)

	result.Dependencies = mergeDependencies(base.Dependencies, left.Dependencies, right.Dependencies)
	result.Labels = mergeLabels(base.Labels, left.Labels, right.Labels)
	result.Comments = mergeComments(base.Comments, left.Comments, right.Comments)

	// If the status somehow ended up tombstone via the fallback rule below,
	// carry the tombstone metadata from whichever side set it most recently.
	if result.Status == StatusTombstone {
		if isTimePtrAfter(left.DeletedAt, right.DeletedAt) {
			result.DeletedAt, result.DeletedBy, result.DeleteReason = left.DeletedAt, left.DeletedBy, left.DeleteReason
		} else if right.DeletedAt != nil && !right.DeletedAt.IsZero() {
			result.DeletedAt, result.DeletedBy, result.DeleteReason = right.DeletedAt, right.DeletedBy, right.DeleteReason
		} else if left.DeletedAt != nil {
			result.DeletedAt, result.DeletedBy, result.DeleteReason = left.DeletedAt, left.DeletedBy, left.DeleteReason
		}
	}

	return result, ""
}

func mergeStatus(base, left, right types.Status) types.Status {
	// Tombstone handling happens one level up in merge3Way; this is a
	// defensive fallback in case a tombstone status reaches the field
	// merger directly.
	if left == StatusTombstone || right == StatusTombstone {
		return StatusTombstone
	}
	// closed > others.
	if left == StatusClosed || right == StatusClosed {
		return StatusClosed
	}
	if base == left && base != right {
		return right
	}
	if base == right && base != left {
		return left
	}
	return left
}

func mergeField(base, left, right string) string {
	if base == left && base != right {
		return right
	}
	if base == right && base != left {
		return left
	}
	return left
}

func mergeFieldByUpdatedAt(base, left, right string, leftUpdatedAt, rightUpdatedAt time.Time) string {
	if base == left && base != right {
		return right
	}
	if base == right && base != left {
		return left
	}
	if left == right {
		return left
	}
	if isTimeAfter(leftUpdatedAt, rightUpdatedAt) {
		return left
	}
	return right
}

func mergeCellType(base, left, right types.CellType) types.CellType {
	if base == left && base != right {
		return right
	}
	if base == right && base != left {
		return left
	}
	return left
}

// mergePriority treats 0 as "unset" and loses to any explicit priority;
// otherwise the lower (more urgent) number wins. The base value plays no
// part — this field has no 3-way rule.
func mergePriority(base, left, right int) int {
	if left == right {
		return left
	}
	if left == 0 {
		return right
	}
	if right == 0 {
		return left
	}
	if left < right {
		return left
	}
	return right
}

// isTimeAfter treats zero times as "unset"; a set time beats an unset one.
// On an exact tie, left wins.
func isTimeAfter(t1, t2 time.Time) bool {
	t1Zero, t2Zero := t1.IsZero(), t2.IsZero()
	switch {
	case t1Zero && t2Zero:
		return true
	case t1Zero:
		return false
	case t2Zero:
		return true
	default:
		return !t2.After(t1)
	}
}

func isTimePtrAfter(t1, t2 *time.Time) bool {
	t1Set := t1 != nil && !t1.IsZero()
	t2Set := t2 != nil && !t2.IsZero()
	switch {
	case !t1Set && !t2Set:
		return true
	case !t1Set:
		return false
	case !t2Set:
		return true
	default:
		return !t2.After(*t1)
	}
}

func maxTime(t1, t2 time.Time) time.Time {
	t1Zero, t2Zero := t1.IsZero(), t2.IsZero()
	switch {
	case t1Zero && t2Zero:
		return time.Time{}
	case t1Zero:
		return t2
	case t2Zero:
		return t1
	case t1.After(t2):
		return t1
	default:
		return t2
	}
}

func maxTimePtr(t1, t2 *time.Time) *time.Time {
	t1Set := t1 != nil && !t1.IsZero()
	t2Set := t2 != nil && !t2.IsZero()
	switch {
	case !t1Set && !t2Set:
		return nil
	case !t1Set:
		return t2
	case !t2Set:
		return t1
	case t1.After(*t2):
		return t1
	default:
		return t2
	}
}

// mergeDependencies is a set-union dedup on (depends_on_id:type),
// preserving left-then-right order — same rule as labels and comments,
// with no base-driven removal logic.
func mergeDependencies(base, left, right []*types.Dependency) []*types.Dependency {
	key := func(d *types.Dependency) string {
		return fmt.Sprintf("%s:%s", d.DependsOnID, d.Type)
	}
	seen := make(map[string]bool)
	var result []*types.Dependency
	for _, d := range left {
		if d == nil {
			continue
		}
		k := key(d)
		if !seen[k] {
			seen[k] = true
			result = append(result, d)
		}
	}
	for _, d := range right {
		if d == nil {
			continue
		}
		k := key(d)
		if !seen[k] {
			seen[k] = true
			result = append(result, d)
		}
	}
	return result
}

// mergeLabels is a set-union dedup on the raw label string.
func mergeLabels(base, left, right []string) []string {
	return unionStrings(left, right)
}

func unionStrings(left, right []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range left {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range right {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// mergeComments is a set-union dedup on "author:text".
func mergeComments(base, left, right []*types.Comment) []*types.Comment {
	key := func(c *types.Comment) string { return c.Author + ":" + c.Text }
	seen := make(map[string]bool)
	var result []*types.Comment
	for _, c := range left {
		if c == nil {
			continue
		}
		k := key(c)
		if !seen[k] {
			seen[k] = true
			result = append(result, c)
		}
	}
	for _, c := range right {
		if c == nil {
			continue
		}
		k := key(c)
		if !seen[k] {
			seen[k] = true
			result = append(result, c)
		}
	}
	return result
}
