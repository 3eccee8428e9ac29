package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/genwatch/internal/backup"
	"github.com/HerbHall/genwatch/internal/config"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	output := fs.String("output", "", "output file path (default: genwatch-backup-{timestamp}.tar.gz)")
	configFile := fs.String("config", "", "path to config file; also included in the backup")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}

	if *output == "" {
		*output = fmt.Sprintf("genwatch-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	ctx := context.Background()
	if err := backup.Backup(ctx, settings.Database.Path, *configFile, *output); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s\n", *output)
}

// loadSettings reads and validates the configuration at path, or the
// default locations when path is empty.
func loadSettings(path string) (*config.Settings, error) {
	v, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.Decode(v)
}
