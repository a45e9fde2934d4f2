package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if listOnly {
		listSchema(db)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, errCount int
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			fmt.Printf("BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			fmt.Printf("ERROR: %v\n", err)
			errCount++
		} else {
			tx.Commit()
			fmt.Println("OK")
			okCount++
		}
	}
	log.Printf("Done: %d OK, %d errors", okCount, errCount)
	log.Println("Migrations complete")
}

// listSchema prints the pipeline tables with their indexes. The partial
// indexes carry the recovery and dispatch scans, so this is the first
// thing to check after a migration run.
func listSchema(db *sql.DB) {
	rows, err := db.Query(`
		SELECT t.tablename, COALESCE(i.indexname, '')
		FROM pg_tables t
		LEFT JOIN pg_indexes i ON i.schemaname = t.schemaname AND i.tablename = t.tablename
		WHERE t.schemaname = 'public' AND t.tablename IN ('users', 'message_logs')
		ORDER BY t.tablename, i.indexname
	`)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	var tables, indexes int
	last := ""
	for rows.Next() {
		var tbl, idx string
		rows.Scan(&tbl, &idx)
		if tbl != last {
			fmt.Println(tbl)
			last = tbl
			tables++
		}
		if idx != "" {
			fmt.Println("   ", idx)
			indexes++
		}
	}
	fmt.Printf("Total: %d tables, %d indexes\n", tables, indexes)
}
