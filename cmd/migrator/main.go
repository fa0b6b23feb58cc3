package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// advisoryLockKey serializes concurrent migrator runs against the same
// database, so two instances deploying at once cannot race on the same file.
const advisoryLockKey = 0x48524c44 // "HRLD"

type migration struct {
	name string
	path string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dir := flag.String("dir", "migrations", "directory containing *.up.sql files")
	dryRun := flag.Bool("dry-run", false, "list pending migrations without applying them")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("parse DATABASE_URL: %v", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // multi-statement files
	cfg.RuntimeParams["application_name"] = "herald-migrator"

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer conn.Close(ctx)

	if err := run(ctx, conn, *dir, *dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, conn *pgx.Conn, dir string, dryRun bool) error {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err := conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	all, err := discover(dir)
	if err != nil {
		return err
	}

	done, err := appliedSet(ctx, conn)
	if err != nil {
		return err
	}

	pending := make([]migration, 0, len(all))
	for _, m := range all {
		if !done[m.name] {
			pending = append(pending, m)
		}
	}

	if len(pending) == 0 {
		log.Printf("up to date (%d migrations applied)", len(done))
		return nil
	}

	if dryRun {
		for _, m := range pending {
			log.Printf("pending: %s", m.name)
		}
		return nil
	}

	for _, m := range pending {
		if err := apply(ctx, conn, m); err != nil {
			return err
		}
	}

	log.Printf("migrations complete (applied=%d, total=%d)", len(pending), len(all))
	return nil
}

func discover(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var found []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		found = append(found, migration{name: entry.Name(), path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].name < found[j].name })
	return found, nil
}

func appliedSet(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// apply runs one migration file and its bookkeeping row in a single
// transaction, so a failed statement leaves no partial record behind.
func apply(ctx context.Context, conn *pgx.Conn, m migration) error {
	contents, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.name, err)
	}

	log.Printf("applying %s", m.name)
	start := time.Now()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", m.name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1)", m.name); err != nil {
		return fmt.Errorf("record %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", m.name, err)
	}

	log.Printf("applied %s in %s", m.name, time.Since(start).Round(time.Millisecond))
	return nil
}
