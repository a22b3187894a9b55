// Package consolidate finds stray project-local coordination databases
// and merges them one-way into the global store. Strays come from older
// releases that kept per-project files; the global store wins every
// duplicate, so consolidation is safe to re-run.
package consolidate

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cellmesh/cellmesh/internal/configfile"
)

// wellKnownRelPaths are the embedded database locations this and earlier
// releases used, relative to a project root.
var wellKnownRelPaths = []string{
	filepath.Join(".opencode", "streams.db"),
	filepath.Join(".opencode", "swarm.db"),
	filepath.Join(".hive", "swarm-mail.db"),
	filepath.Join(".cellmesh", "swarm.db"),
}

// maxWalkDepth bounds the tree walk; strays sit near repository roots,
// not ten levels into build output.
const maxWalkDepth = 6

// DetectStrayDatabases walks the project tree for embedded coordination
// databases, ignoring anything already marked .migrated or living in a
// .backup- copy.
func DetectStrayDatabases(projectRoot string) ([]string, error) {
	seen := make(map[string]bool)
	var strays []string

	add := func(path string) {
		if seen[path] {
			return
		}
		if strings.HasSuffix(path, ".migrated") || strings.Contains(path, ".backup-") {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		seen[path] = true
		strays = append(strays, path)
	}

	for _, rel := range wellKnownRelPaths {
		add(filepath.Join(projectRoot, rel))
	}

	// Nested worktrees and vendored repos can carry their own strays.
	root := filepath.Clean(projectRoot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			depth := strings.Count(strings.TrimPrefix(path, root), string(filepath.Separator))
			if depth > maxWalkDepth || d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		for _, rel := range wellKnownRelPaths {
			if strings.HasSuffix(path, rel) {
				add(path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", projectRoot, err)
	}
	return strays, nil
}

// SchemaEra classifies a stray's vintage.
type SchemaEra string

const (
	EraModern  SchemaEra = "modern" // cells-vocabulary schema
	EraLegacy  SchemaEra = "legacy" // issues/beads-vocabulary schema
	EraUnknown SchemaEra = "unknown"
)

// Analysis describes one stray database.
type Analysis struct {
	Path       string         `json:"path"`
	Tables     []string       `json:"tables"`
	RowCounts  map[string]int `json:"row_counts"`
	Era        SchemaEra      `json:"schema_era"`
	UniqueRows int            `json:"unique_rows"`
	Plan       Plan           `json:"plan"`
}

// Plan is the recommended action for a stray.
type Plan struct {
	Action        string `json:"action"` // "migrate" or "skip"
	Reason        string `json:"reason,omitempty"`
	EstimatedRows int    `json:"estimated_rows"`
}

// MigrationLog records what one migration did.
type MigrationLog struct {
	Stray      string         `json:"stray"`
	Copied     map[string]int `json:"copied"`
	Duplicates map[string]int `json:"duplicates"`
	BackupPath string         `json:"backup_path,omitempty"`
}

// ConsolidationReport aggregates a full consolidate run.
type ConsolidationReport struct {
	ProjectRoot string          `json:"project_root"`
	GlobalDB    string          `json:"global_db"`
	Detected    []string        `json:"detected"`
	Analyses    []*Analysis     `json:"analyses"`
	Migrated    []*MigrationLog `json:"migrated"`
	Skipped     []string        `json:"skipped"`
}

// Options configures ConsolidateDatabases.
type Options struct {
	Yes         bool // migrate without prompting
	Interactive bool // ask per stray via Prompt
	SkipBackup  bool
	Prompt      func(analysis *Analysis) bool
}

// ConsolidateDatabases orchestrates detect → analyze → migrate →
// mark-migrated across every stray under root. Analysis runs in
// parallel; migration is serialized against the global store.
func ConsolidateDatabases(ctx context.Context, root, globalPath string, opts Options) (*ConsolidationReport, error) {
	if globalPath == "" {
		path, err := configfile.GlobalDBPath()
		if err != nil {
			return nil, err
		}
		globalPath = path
	}

	report := &ConsolidationReport{ProjectRoot: root, GlobalDB: globalPath}

	strays, err := DetectStrayDatabases(root)
	if err != nil {
		return nil, err
	}
	report.Detected = strays
	if len(strays) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, stray := range strays {
		g.Go(func() error {
			analysis, err := AnalyzeStray(gctx, stray, globalPath)
			if err != nil {
				analysis = &Analysis{
					Path: stray,
					Era:  EraUnknown,
					Plan: Plan{Action: "skip", Reason: fmt.Sprintf("analysis failed: %v", err)},
				}
			}
			mu.Lock()
			report.Analyses = append(report.Analyses, analysis)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, analysis := range report.Analyses {
		if analysis.Plan.Action != "migrate" {
			report.Skipped = append(report.Skipped, analysis.Path)
			continue
		}
		if opts.Interactive && opts.Prompt != nil && !opts.Prompt(analysis) {
			report.Skipped = append(report.Skipped, analysis.Path)
			continue
		}
		if !opts.Yes && !opts.Interactive {
			report.Skipped = append(report.Skipped, analysis.Path)
			continue
		}

		mlog, err := MigrateToGlobal(ctx, analysis.Path, globalPath, opts.SkipBackup)
		if err != nil {
			report.Skipped = append(report.Skipped, analysis.Path)
			continue
		}
		report.Migrated = append(report.Migrated, mlog)
		if err := configfile.MarkMigrated(analysis.Path); err != nil {
			return report, fmt.Errorf("mark %s migrated: %w", analysis.Path, err)
		}
	}
	return report, nil
}

func backupStray(path string) (string, error) {
	backup := fmt.Sprintf("%s.backup-%d", path, os.Getpid())
	src, err := os.Open(path) // #nosec G304 -- path came from DetectStrayDatabases
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.Create(backup) // #nosec G304
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return backup, nil
}
