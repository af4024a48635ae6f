// Command reconcile runs one game id reconciliation pass and prints the
// report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"crashgame/internal/app"
	"crashgame/internal/config"
	"crashgame/internal/logger"
	"crashgame/internal/reconcile"
)

func main() {
	tolerance := flag.Duration("tolerance", 0, "Override the timestamp match tolerance (default from RECONCILE_TOLERANCE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l, _ := zap.NewProduction()
		l.Fatal("Failed to load configuration", zap.Error(err))
	}
	_, loggerCleanup, err := logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		zap.L().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer loggerCleanup()

	if *tolerance > 0 {
		cfg.Reconcile.Tolerance = *tolerance
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Reconcile.Timeout+10*time.Second)
	defer cancel()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	report, err := reconcile.NewJob(st, st, reconcile.Options{Tolerance: cfg.Reconcile.Tolerance}).Run(ctx)
	if err != nil {
		zap.L().Fatal("Reconcile failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
