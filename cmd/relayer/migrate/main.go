package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/uptrace/bun/migrate"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/migrations/relayerdb"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/pgutil"
	mghelper "github.com/abcd5251/1inch-on-sui-sub001/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.example.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	if err := run(*cfgPath, flag.Args()); err != nil {
		mghelper.Exitf(err.Error())
	}
}

func run(cfgPath string, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Printf("Running migrations for relayer database (%s)", cfg.Database.Database)

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)
	return mghelper.RunMigrations(migrator, args...)
}
