// The migrate binary applies the SQL files under migrations/ in name order,
// one transaction per file. Every statement uses IF NOT EXISTS, so re-running
// is safe.
package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/waggletail/dispatch/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dir := flag.String("dir", "migrations", "directory of .sql files")
	list := flag.Bool("list", false, "list public tables instead of migrating")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Migrate] failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("[Migrate] DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Migrate] open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrate] ping: %v", err)
	}

	if *list {
		listTables(db)
		return
	}

	files, err := sqlFiles(*dir)
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}

	var applied, failed int
	for _, name := range files {
		path := filepath.Join(*dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("[Migrate] read %s: %v", path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		if err := applyOne(db, string(data)); err != nil {
			log.Printf("[Migrate] %s: %v", name, err)
			failed++
			continue
		}
		log.Printf("[Migrate] %s: ok", name)
		applied++
	}

	log.Printf("[Migrate] done: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func applyOne(db *sql.DB, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sqlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func listTables(db *sql.DB) {
	rows, err := db.Query(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		log.Fatalf("[Migrate] list: %v", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Fatalf("[Migrate] scan: %v", err)
		}
		log.Printf("  %s", name)
		n++
	}
	log.Printf("[Migrate] %d tables", n)
}
