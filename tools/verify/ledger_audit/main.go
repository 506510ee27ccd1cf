// Command ledger_audit opens a swarmled database read-only and reports
// consistency violations the reconciler is supposed to repair:
//  1. Ghost runs: non-terminal runs owned by terminal tasks
//  2. Single-flight violations: tasks with more than one in-flight run
//  3. Duplicate open gates: tasks with more than one pending approval
//  4. Terminal runs missing ended_at
//
// A clean database exits 0; any finding exits 1. Run it after a crash or
// restore drill, before and after a sweep, to confirm the sweep converged.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := defaultDBPath()
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(2)
	}
	defer db.Close()

	fmt.Printf("# Ledger Consistency Audit\n")
	fmt.Printf("# Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Printf("# Database: %s\n\n", dbPath)

	checks := []struct {
		name  string
		query string
	}{
		{
			name: "Ghost runs (non-terminal run under terminal task)",
			query: `
				SELECT r.id || ' task=' || r.task_id || ' run=' || r.run_status || ' task_status=' || t.status
				FROM runs r JOIN tasks t ON t.id = r.task_id
				WHERE t.status IN ('completed', 'failed', 'cancelled')
				  AND r.run_status NOT IN ('completed', 'failed', 'superseded');`,
		},
		{
			name: "Single-flight violations (more than one in-flight run)",
			query: `
				SELECT task_id || ' in_flight=' || COUNT(1)
				FROM runs
				WHERE run_status IN ('queued', 'running')
				GROUP BY task_id
				HAVING COUNT(1) > 1;`,
		},
		{
			name: "Duplicate open gates (more than one pending approval)",
			query: `
				SELECT task_id || ' pending=' || COUNT(1)
				FROM approvals
				WHERE approval_status = 'pending'
				GROUP BY task_id
				HAVING COUNT(1) > 1;`,
		},
		{
			name: "Terminal runs missing ended_at",
			query: `
				SELECT id || ' task=' || task_id || ' status=' || run_status
				FROM runs
				WHERE run_status IN ('completed', 'failed', 'superseded')
				  AND ended_at IS NULL;`,
		},
	}

	allPass := true
	for _, check := range checks {
		findings, err := collect(db, check.query)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", check.name, err)
			os.Exit(2)
		}
		fmt.Printf("## %s\n\n", check.name)
		if len(findings) > 0 {
			fmt.Printf("VERDICT: FAIL (%d finding(s))\n\n", len(findings))
			for _, f := range findings {
				fmt.Printf("  - %s\n", f)
			}
			fmt.Println()
			allPass = false
		} else {
			fmt.Printf("VERDICT: PASS\n\n")
		}
	}

	if allPass {
		fmt.Printf("## OVERALL VERDICT: PASS\n")
		os.Exit(0)
	}
	fmt.Printf("## OVERALL VERDICT: FAIL\n")
	fmt.Printf("Run a sweep (swarmled reconcile) and audit again.\n")
	os.Exit(1)
}

func collect(db *sql.DB, query string) ([]string, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func defaultDBPath() string {
	if custom := os.Getenv("SWARMLED_HOME"); custom != "" {
		return filepath.Join(custom, "swarmled.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarmled.db"
	}
	return filepath.Join(home, ".swarmled", "swarmled.db")
}
