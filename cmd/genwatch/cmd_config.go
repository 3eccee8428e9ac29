package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/HerbHall/genwatch/internal/config"
)

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configFile := fs.String("config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := writeConfig(os.Stdout, settings); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
}

// writeConfig prints s as YAML with every secret masked.
func writeConfig(w io.Writer, s *config.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.Redacted()); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
