package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gorm.io/gorm"

	"bobvault/audit"
	"bobvault/config"
	"bobvault/journal"
	"bobvault/native/lending"
	"bobvault/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to bobvaultd configuration file")
	statePath := flag.String("state", "", "Path to the ledger state directory (overrides -config)")
	journalDriver := flag.String("journal-driver", "sqlite", "Journal driver when -config is not used (sqlite or postgres)")
	journalDSN := flag.String("journal-dsn", "", "Journal DSN when -config is not used; empty skips the journal check")
	outDir := flag.String("out", "", "Directory for parquet exports; empty disables export")
	flag.Parse()

	state, driver, dsn := *statePath, *journalDriver, *journalDSN
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		if state == "" {
			state = cfg.StatePath()
		}
		if dsn == "" {
			driver, dsn = cfg.Journal.Driver, cfg.Journal.DSN
		}
	}
	if state == "" {
		fmt.Fprintln(os.Stderr, "either -config or -state is required")
		os.Exit(2)
	}

	db, err := storage.OpenLevelDBReadOnly(state)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var journalDB *gorm.DB
	if dsn != "" {
		journalDB, err = journal.Open(driver, dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open journal: %v\n", err)
			os.Exit(1)
		}
	}

	report, err := audit.Run(context.Background(), audit.Options{
		Store:     lending.NewStore(db),
		JournalDB: journalDB,
		OutDir:    *outDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
	if !report.Healthy() {
		os.Exit(1)
	}
}
