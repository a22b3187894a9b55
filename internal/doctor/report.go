package doctor

import (
	"database/sql"
	"fmt"
	"strings"
)

// maxDetailLines bounds how many detail entries the text report prints
// per check before eliding the rest.
const maxDetailLines = 5

// Flags is the parsed doctor CLI surface.
type Flags struct {
	Fix  bool
	JSON bool
}

// ParseFlags accepts --fix and --json in any order; unknown arguments
// are reported, not ignored.
func ParseFlags(args []string) (Flags, error) {
	var flags Flags
	for _, arg := range args {
		switch arg {
		case "--fix":
			flags.Fix = true
		case "--json":
			flags.JSON = true
		default:
			return flags, fmt.Errorf("unknown flag %q", arg)
		}
	}
	return flags, nil
}

// FormatReport renders a report as human-readable text, one line per
// check with detail lists truncated past five entries.
func FormatReport(report *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "doctor report for %s\n", report.ProjectKey)
	for _, check := range report.Checks {
		marker := "✓"
		switch check.Status {
		case StatusWarn:
			marker = "!"
		case StatusFail:
			marker = "✗"
		}
		fmt.Fprintf(&b, "  %s %-20s %s", marker, check.Name, check.Message)
		if check.Status == StatusFail && check.Fixable && !report.FixApplied {
			b.WriteString(" (fixable, re-run with --fix)")
		}
		if report.FixApplied && check.Fixed > 0 {
			fmt.Fprintf(&b, " [fixed %d]", check.Fixed)
		}
		b.WriteByte('\n')

		details := check.Details
		if len(details) > maxDetailLines {
			extra := len(details) - maxDetailLines
			details = append(details[:maxDetailLines:maxDetailLines], fmt.Sprintf("… and %d more", extra))
		}
		for _, line := range details {
			fmt.Fprintf(&b, "      %s\n", line)
		}
	}

	if report.AllPassed() {
		b.WriteString("all checks passed\n")
	} else {
		b.WriteString("unfixed failures remain\n")
	}
	return b.String()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
