// Command genwatch runs the generator telemetry hub and its maintenance
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/genwatch/internal/version"
)

const usage = `usage: genwatch <command> [flags]

commands:
  serve     run the telemetry server (default)
  backup    archive the database and config into a tar.gz file
  restore   restore a backup archive
  config    print the effective configuration with secrets redacted
  version   print version information
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "config":
		runConfig(args)
	case "version":
		fmt.Println(version.Info())
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
