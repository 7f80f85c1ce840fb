package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/config"
	"github.com/mfelten/histd/internal/profile"
	"github.com/mfelten/histd/internal/tui"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	if err := run(*profileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(profileFlag string) error {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	cfg, err := config.Load(profile.ConfigPath(name))
	if err != nil {
		return fmt.Errorf("load profile %q config: %w", name, err)
	}
	if cfg.Account == "" {
		return fmt.Errorf("profile %q has no account address configured", name)
	}

	dbPath := profile.ArchiveDBPath(name)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no archive for profile %q (is histd running?): %w", name, err)
	}
	db, err := archive.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	resolver, err := archive.NewResolver(db)
	if err != nil {
		return err
	}
	accountID, err := resolver.ResolveAddress(cfg.Account, archive.AddressNormal)
	if err != nil {
		return err
	}

	return tui.NewApp(db, accountID, name).Run()
}
