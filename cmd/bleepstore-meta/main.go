// Command bleepstore-meta exports and imports the SQLite metadata catalog
// as deterministic JSON, for backups and migrations between deployments.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/e6qu/bleepstore-sub001/internal/config"
	"github.com/e6qu/bleepstore-sub001/internal/serialization"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: bleepstore-meta <export|import> [flags]")
}

// databasePath resolves the SQLite path from the -db override or the config
// file's metadata.sqlite.path. Without either, the default path applies.
func databasePath(override, configPath string) string {
	if override != "" {
		return override
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Default().Metadata.SQLite.Path
	}
	return cfg.Metadata.SQLite.Path
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	format := fs.String("format", "json", "output format")
	output := fs.String("output", "-", "output file path (- for stdout)")
	tables := fs.String("tables", "", "comma-separated subset of tables")
	includeCreds := fs.Bool("include-credentials", false, "export real secret keys instead of redacting them")
	fs.Parse(args)

	if *format != "json" {
		fmt.Fprintf(os.Stderr, "unsupported format: %s\n", *format)
		return 1
	}
	db := databasePath(*dbPath, *configPath)

	selected := serialization.AllTables
	if *tables != "" {
		valid := make(map[string]bool, len(serialization.AllTables))
		for _, t := range serialization.AllTables {
			valid[t] = true
		}
		selected = nil
		for _, t := range strings.Split(*tables, ",") {
			t = strings.TrimSpace(t)
			if !valid[t] {
				fmt.Fprintf(os.Stderr, "invalid table name: %s\n", t)
				return 1
			}
			selected = append(selected, t)
		}
	}

	doc, err := serialization.ExportMetadata(db, &serialization.ExportOptions{
		Tables:             selected,
		IncludeCredentials: *includeCreds,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(doc)
		return 0
	}
	if err := os.WriteFile(*output, []byte(doc+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "input file path (- for stdin)")
	replace := fs.Bool("replace", false, "wipe each table before inserting")
	fs.Parse(args)

	db := databasePath(*dbPath, *configPath)

	var doc []byte
	var err error
	if *input == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(db, string(doc), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %s: %d imported", table, count)
		if skipped := result.Skipped[table]; skipped > 0 {
			line += fmt.Sprintf(", %d skipped", skipped)
		}
		fmt.Fprintln(os.Stderr, line)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
