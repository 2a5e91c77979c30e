// tenonctl is the administrative CLI: seed system roles, export audit
// logs, and run retention cleanup without going through the HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/members"
	"github.com/greyhaven/tenon/pkg/rbac"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := setupLogger(getEnv("TENON_LOG_LEVEL", "info"))

	var err error
	switch os.Args[1] {
	case "seed-roles":
		err = runSeedRoles(logger, os.Args[2:])
	case "export":
		err = runExport(logger, os.Args[2:])
	case "cleanup":
		err = runCleanup(logger, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tenonctl <command> [flags]

Commands:
  seed-roles   Seed the built-in system roles into an organization
  export       Export audit logs as JSON or CSV
  cleanup      Apply the retention policy to stored audit logs

Run 'tenonctl <command> -h' for command flags.
`)
}

func runSeedRoles(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("seed-roles", flag.ExitOnError)
	dbURL := fs.String("db", getEnv("TENON_POSTGRES_URL", ""), "PostgreSQL connection URL")
	orgID := fs.String("org", "", "Organization ID to seed")
	fs.Parse(args)

	if *orgID == "" {
		return fmt.Errorf("-org is required")
	}

	db, err := connectDatabase(*dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	store, err := rbac.NewSQLStore(db)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	service, err := rbac.NewService(store)
	if err != nil {
		return err
	}

	roles, err := service.SeedSystemRoles(ctx, *orgID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		logger.WithFields(logrus.Fields{
			"role_id": role.ID,
			"name":    role.Name,
		}).Info("system role present")
	}
	logger.Infof("Seeded %d system roles for organization %s", len(roles), *orgID)
	return nil
}

func runExport(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbURL := fs.String("db", getEnv("TENON_POSTGRES_URL", ""), "PostgreSQL connection URL")
	orgID := fs.String("org", "", "Organization ID to export (empty for all)")
	format := fs.String("format", "json", "Export format: json or csv")
	days := fs.Int("days", 30, "Export entries from the last N days")
	out := fs.String("out", "", "Output file (default stdout)")
	fs.Parse(args)

	db, err := connectDatabase(*dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	store, err := audit.NewSQLStore(db)
	if err != nil {
		return err
	}
	service, err := audit.NewService(store)
	if err != nil {
		return err
	}

	filter := audit.Filter{
		OrganizationID: *orgID,
		StartDate:      time.Now().UTC().AddDate(0, 0, -*days),
	}
	data, err := service.ExportAuditLogs(ctx, filter, audit.ExportFormat(*format))
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return err
	}
	logger.Infof("Exported %d bytes to %s", len(data), *out)
	return nil
}

func runCleanup(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	dbURL := fs.String("db", getEnv("TENON_POSTGRES_URL", ""), "PostgreSQL connection URL")
	archiveDir := fs.String("archive-dir", "", "Archive expired logs to this directory before deletion")
	invitations := fs.Bool("invitations", false, "Also remove expired invitations")
	fs.Parse(args)

	db, err := connectDatabase(*dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	store, err := audit.NewSQLStore(db)
	if err != nil {
		return err
	}

	var opts []audit.Option
	if *archiveDir != "" {
		archiver, err := audit.NewFileArchiver(*archiveDir)
		if err != nil {
			return err
		}
		opts = append(opts, audit.WithArchiver(archiver))
	}
	service, err := audit.NewService(store, opts...)
	if err != nil {
		return err
	}

	result, err := service.CleanupOldLogs(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"deleted":  result.DeletedCount,
		"archived": result.ArchivedCount,
	}).Info("audit cleanup complete")

	if *invitations {
		memberStore, err := members.NewSQLStore(db)
		if err != nil {
			return err
		}
		memberService, err := members.NewService(memberStore)
		if err != nil {
			return err
		}
		removed, err := memberService.CleanupExpiredInvitations(ctx)
		if err != nil {
			return err
		}
		logger.Infof("Removed %d expired invitations", removed)
	}
	return nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func connectDatabase(connectionString string) (*sql.DB, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("database URL is required (set -db or TENON_POSTGRES_URL)")
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
