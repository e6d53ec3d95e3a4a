package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chemcaptcha/internal/config"
	"chemcaptcha/internal/database"
	"chemcaptcha/internal/plugin"
	"chemcaptcha/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, errOut io.Writer) int {
	cfg, err := config.ServerFromEnv()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	fs := flag.NewFlagSet("chemcaptcha-server", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite catalog path")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "molecule data directory")
	fs.DurationVar(&cfg.TokenTTL, "ttl", cfg.TokenTTL, "challenge token lifetime")
	fs.BoolVar(&cfg.Noise, "noise", cfg.Noise, "draw interference noise")
	fs.IntVar(&cfg.NoiseDensity, "noise-density", cfg.NoiseDensity, "noise density")
	fs.BoolVar(&cfg.Grid, "grid", cfg.Grid, "draw a checkerboard background")
	fs.BoolVar(&cfg.DevMode, "dev", cfg.DevMode, "dev mode: mark targets and log answers")
	key := fs.String("key", "", "payload key, 32 hex chars or 16 characters (overrides "+config.EnvPayloadKey+")")
	doImport := fs.Bool("import", false, "import every .mol/.sdf file under -data into the catalog and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *key != "" {
		k, err := config.ParseKey(*key)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
		cfg.PayloadKey = k
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer db.Close()

	plugins := plugin.Default()

	if *doImport {
		stats, err := db.Import(ctx, cfg.DataDir, plugins)
		if err != nil {
			fmt.Fprintln(errOut, "import:", err)
			return 1
		}
		log.Printf("[import] %d files, %d records (%d invalid), %d new rows; catalog %v",
			stats.Files, stats.Records, stats.Invalid, stats.Inserted, stats.Catalog)
		return 0
	}

	srv, err := server.New(cfg, db, plugins)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}
