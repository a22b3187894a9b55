package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/internal/client"
	"github.com/cellmesh/cellmesh/internal/configfile"
	"github.com/cellmesh/cellmesh/internal/git"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
)

// projectAndDB resolves the --project and --db flags against their
// defaults. The project key is the main repository root when inside a
// git checkout (worktrees share their main repo's coordination state),
// else the working directory.
func projectAndDB(cmd *cobra.Command) (projectKey, dbPath string, err error) {
	projectKey, _ = cmd.Flags().GetString("project")
	if projectKey == "" {
		if root, gitErr := git.GetMainRepoRoot(); gitErr == nil {
			projectKey = root
		} else {
			projectKey, err = os.Getwd()
			if err != nil {
				return "", "", err
			}
		}
	}
	if abs, absErr := filepath.Abs(projectKey); absErr == nil {
		projectKey = abs
	}

	dbPath, _ = cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = os.Getenv(client.EnvDBPath)
	}
	if dbPath == "" {
		dbPath, err = configfile.GlobalDBPath()
		if err != nil {
			return "", "", err
		}
	}
	return projectKey, dbPath, nil
}

// openStore opens the database directly. CLI commands are maintenance
// surfaces and bypass the daemon on purpose — doctor must work when the
// daemon is the thing that is broken.
func openStore(ctx context.Context, dbPath string) (*sqlite.DB, error) {
	return sqlite.Open(ctx, dbPath, sqlite.Options{})
}
