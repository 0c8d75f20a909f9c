package db

import (
	"fmt"
	"io"
)

// RunMigrateCommand handles the 'migrate' subcommand: up, down or version.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
	case "version", "status":
	case "help":
		PrintMigrateHelp(out)
		return nil
	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the database before retrying")
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: aplocate migrate <action>

Actions:
  up        Apply all pending migrations
  down      Roll back the most recent migration
  version   Show the current schema version
  help      Show this help
`)
}
