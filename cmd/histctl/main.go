package main

import (
	"fmt"
	"os"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/config"
	"github.com/mfelten/histd/internal/profile"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "histctl",
		Usage: "Inspect and manage a histd message archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "profile",
				Usage: "profile name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
		},
		Commands: []*cli.Command{
			unreadCommand,
			readCommand,
			historyCommand,
			recentCommand,
			searchCommand,
			daysCommand,
			coverageCommand,
			checkpointsCommand,
			setWindowCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles the opened profile archive for a command invocation.
type env struct {
	db        *archive.DB
	resolver  *archive.Resolver
	accountID int64
}

// openEnv opens the profile's archive database. The daemon may be
// running concurrently; WAL mode allows that.
func openEnv(ctx *cli.Context) (*env, error) {
	name := profile.Resolve(ctx.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}

	cfg, err := config.Load(profile.ConfigPath(name))
	if err != nil {
		return nil, fmt.Errorf("load profile %q config: %w", name, err)
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("profile %q has no account address configured", name)
	}

	dbPath := profile.ArchiveDBPath(name)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no archive for profile %q (is histd running?): %w", name, err)
	}
	db, err := archive.Open(dbPath)
	if err != nil {
		return nil, err
	}
	resolver, err := archive.NewResolver(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	accountID, err := resolver.ResolveAddress(cfg.Account, archive.AddressNormal)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &env{db: db, resolver: resolver, accountID: accountID}, nil
}

func (e *env) close() {
	_ = e.db.Close()
}

// identity resolves an address the archive has already seen.
func (e *env) identity(address string) (int64, error) {
	id, err := e.resolver.ResolveAddress(address, archive.AddressUnknown)
	if err != nil {
		return 0, fmt.Errorf("address %q not in archive", address)
	}
	return id, nil
}
