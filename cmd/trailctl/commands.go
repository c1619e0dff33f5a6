package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/recordtrail/internal/config"
	"github.com/rpattn/recordtrail/internal/db"
	"github.com/rpattn/recordtrail/internal/domain"
	"github.com/rpattn/recordtrail/internal/export"
	"github.com/rpattn/recordtrail/internal/repository"
	"github.com/rpattn/recordtrail/internal/trail"
)

var (
	configPath     string
	migrationsPath string
	exportFormat   string
	exportDir      string
	historyLimit   int

	rootCmd = &cobra.Command{
		Use:   "trailctl",
		Short: "Manage record trail schemas and inspect entity version history",
	}

	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Provision the mutable and version tables for every registered entity type",
		Run:   runSchema,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back SQL migrations",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run:   runMigrateUp,
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Run:   runMigrateDown,
	}

	historyCmd = &cobra.Command{
		Use:   "history [type] [entity-id]",
		Short: "Print the version chain of an entity, newest first",
		Args:  cobra.ExactArgs(2),
		Run:   runHistory,
	}

	exportCmd = &cobra.Command{
		Use:   "export [type] [entity-id]",
		Short: "Export the version chain of an entity to a csv or xlsx file",
		Args:  cobra.ExactArgs(2),
		Run:   runExport,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding config.yaml and descriptors.yaml")
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "migrations", "./migrations", "directory holding .up.sql/.down.sql files")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "cap the number of versions printed (0 = all)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or xlsx")
	exportCmd.Flags().StringVar(&exportDir, "out", "", "directory to write the export file to")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(schemaCmd, migrateCmd, historyCmd, exportCmd)
}

func runSchema(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	reg := mustLoadRegistry()
	conn := mustConnect(ctx)
	defer conn.Close()

	if err := db.EnsureSchema(ctx, conn.Pool, reg); err != nil {
		log.Fatalf("Failed to provision schema: %v", err)
	}
	log.Printf("Provisioned tables for %d entity types", len(reg.Descriptors()))
}

func runMigrateUp(cmd *cobra.Command, args []string) {
	cfg := mustLoadDBConfig()
	if err := db.RunMigrations(cfg, migrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations applied")
}

func runMigrateDown(cmd *cobra.Command, args []string) {
	cfg := mustLoadDBConfig()
	if err := db.RollbackMigration(cfg, migrationsPath); err != nil {
		log.Fatalf("Failed to roll back migration: %v", err)
	}
	log.Println("Migration rolled back")
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	t, conn := mustOpenTrail(ctx)
	defer conn.Close()

	typ, entityID := args[0], mustParseID(args[1])
	rows, err := t.History(ctx, typ, entityID, trail.HistoryOptions{Limit: historyLimit})
	if err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}
	if len(rows) == 0 {
		fmt.Printf("No versions recorded for %s %s\n", typ, entityID)
		return
	}
	for _, v := range rows {
		printVersion(v)
	}
}

func runExport(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	t, conn := mustOpenTrail(ctx)
	defer conn.Close()

	var opts []export.Option
	if exportDir != "" {
		opts = append(opts, export.WithExportDirectory(exportDir))
	}
	service := export.NewService(t, opts...)

	typ, entityID := args[0], mustParseID(args[1])
	path, err := service.ExportHistory(ctx, typ, entityID, export.Format(strings.ToLower(exportFormat)))
	if err != nil {
		log.Fatalf("Failed to export history: %v", err)
	}
	fmt.Println(path)
}

func printVersion(v *domain.VersionRow) {
	state := "updated"
	if v.IsDeleted {
		state = "deleted"
	}
	fmt.Printf("%s  %s  %s\n", v.InsertedAt.UTC().Format(time.RFC3339), v.ID, state)
	for name, value := range v.Fields {
		fmt.Printf("    %s: %v\n", name, value)
	}
}

func mustParseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Fatalf("Invalid entity id %q: %v", raw, err)
	}
	return id
}

func mustLoadRegistry() *domain.Registry {
	reg, err := config.LoadRegistry(configPath)
	if err != nil {
		log.Fatalf("Failed to load descriptors: %v", err)
	}
	return reg
}

func mustLoadDBConfig() db.Config {
	cfg, err := config.LoadDBConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	return cfg
}

func mustConnect(ctx context.Context) *db.Connection {
	conn, err := db.NewConnection(ctx, mustLoadDBConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return conn
}

func mustOpenTrail(ctx context.Context) (*trail.Trail, *db.Connection) {
	reg := mustLoadRegistry()
	conn := mustConnect(ctx)
	store := repository.NewPostgresStore(conn.Pool, reg)
	return trail.New(reg, store), conn
}
