package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/risk"
	"portfolio-pulse/internal/storage"
)

func main() {
	var (
		dataPath   = flag.String("data", "data", "Data directory path")
		days       = flag.Int("days", 30, "Number of days of samples to generate")
		interval   = flag.Duration("interval", common.DefaultSampleInterval, "Spacing between samples")
		startValue = flag.Float64("start-value", 10000, "Starting portfolio value")
		volatility = flag.Float64("volatility", 0.6, "Annualized volatility of the simulated portfolio")
		seed       = flag.Int64("seed", 1, "Random seed")
	)
	flag.Parse()

	if *interval <= 0 {
		log.Fatalf("Interval must be positive, got %s", *interval)
	}

	fmt.Printf("Seeding portfolio journal...\n")
	fmt.Printf("  Days: %d\n", *days)
	fmt.Printf("  Interval: %s\n", *interval)
	fmt.Printf("  Start Value: $%.2f\n", *startValue)
	fmt.Printf("  Data Path: %s\n", *dataPath)

	if err := os.MkdirAll(*dataPath, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)
	n, err := generatePortfolio(store, rand.New(rand.NewSource(*seed)), *startValue, *volatility, *interval, start, end)
	if err != nil {
		log.Fatalf("Failed to generate data: %v", err)
	}

	fmt.Printf("✓ Stored %d samples in series %q\n", n, common.SeriesPortfolio)
}

// generatePortfolio writes a geometric Brownian motion walk of the portfolio value.
func generatePortfolio(store *storage.Store, rng *rand.Rand, value, volatility float64, interval time.Duration, start, end time.Time) (int, error) {
	dt := interval.Hours() / (365 * 24)
	drift := 0.05

	count := 0
	for t := start; !t.After(end); t = t.Add(interval) {
		if err := store.StorePoint(common.SeriesPortfolio, risk.HistoricalPoint{Date: t, Value: value}); err != nil {
			return count, err
		}
		count++

		dW := rng.NormFloat64() * math.Sqrt(dt)
		value *= math.Exp((drift-0.5*volatility*volatility)*dt + volatility*dW)
	}
	return count, nil
}
