// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// obsnetd runs one device of the observatory network. The subcommand picks
// the role:
//
//	obsnetd centrald --config centrald.yaml
//	obsnetd dome     --config dome.yaml [--dome-open-time 30s]
//	obsnetd mount    --config mount.yaml
//	obsnetd imgproc  --config imgproc.yaml
//
// Configuration is read from the YAML file, then OBSNET_* environment
// variables; driver flags override both.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/ManuGH/obsnet/internal/version"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return errors.New("missing role")
	}

	switch cmd := args[0]; cmd {
	case "version", "--version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	case "check-db":
		return runCheckDB(args[1:], stdout)
	case config.RoleCentrald, config.RoleDome, config.RoleMount, config.RoleImgproc:
		return runRole(cmd, args[1:])
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `obsnetd - observatory device daemon

Usage:
  obsnetd <role> [flags]     run a device (centrald, dome, mount, imgproc)
  obsnetd check-db [flags]   verify the image ledger
  obsnetd version            print the build version

Run "obsnetd <role> --help" for the flags of a role.
`)
}

// runCheckDB verifies the SQLite image ledger offline.
func runCheckDB(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("obsnetd check-db", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file (YAML)")
	dbPath := fs.String("db", "", "ledger path (default: imgproc.db_path)")
	full := fs.Bool("full", false, "run integrity_check instead of quick_check")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.NewLoader(*configPath, version.Version).Load()
		if err != nil {
			return err
		}
		path = cfg.Imgproc.DBPath
	}

	problems, err := store.VerifyIntegrity(path, *full)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(stdout, p)
		}
		return fmt.Errorf("ledger %s failed integrity check", path)
	}
	fmt.Fprintf(stdout, "%s: ok\n", path)
	return nil
}
