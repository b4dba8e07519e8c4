package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"reelforge/internal/infra"
	"reelforge/internal/infra/migrate"
)

func main() {
	var direction string
	flag.StringVar(&direction, "direction", "up", "migration direction (up, down or version)")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "migrate").Logger()
	m := migrate.NewMigrator(cfg.DatabaseURL, logger)

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		version, dirty, verr := m.Version()
		if verr == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
		err = verr
	default:
		err = fmt.Errorf("unsupported direction %q", direction)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: failed")
	}
}
