package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"portfolio-pulse/internal/cfg"
	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/history"
	"portfolio-pulse/internal/risk"
	"portfolio-pulse/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type report struct {
	Source         string  `json:"source"`
	Coin           string  `json:"coin,omitempty"`
	Points         int     `json:"points"`
	PeriodsPerYear float64 `json:"periods_per_year"`
	risk.Metrics
}

// coinQuery selects a single coin's history from the remote source. With an
// amount it prices that holding; without one it reads the portfolio's own
// position in the coin.
type coinQuery struct {
	Coin          string
	Amount        float64
	PurchasePrice float64
	PurchaseDate  time.Time
}

func main() {
	var (
		source        = flag.String("source", "file", "Point source: file, local, remote")
		filePath      = flag.String("file", "", "JSON file of points (array or {\"history\": [...]}); - for stdin")
		days          = flag.Int("days", 0, "History window in days (default from config)")
		dataPath      = flag.String("data", "", "Journal directory for -source local (default from config)")
		annualization = flag.String("annualization", "", "Annualization: daily or inferred (default from config)")
		asJSON        = flag.Bool("json", false, "Print the result as JSON")
		logLevel      = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
		coin          = flag.String("coin", "", "Coin symbol for -source remote (e.g. BTC)")
		amount        = flag.Float64("amount", 0, "Units of -coin to price; 0 uses the portfolio's position")
		purchasePrice = flag.Float64("purchase-price", 0, "Purchase price anchoring -amount")
		purchaseDate  = flag.String("purchase-date", "", "Purchase date (YYYY-MM-DD) anchoring -amount")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *days <= 0 {
		*days = config.HistoryDays
	}
	if *dataPath == "" {
		*dataPath = config.DataPath
	}
	if *annualization == "" {
		*annualization = config.Annualization
		// journal samples are intraday
		if *source == "local" {
			*annualization = common.AnnualizationInferred
		}
	}
	if *annualization != common.AnnualizationDaily && *annualization != common.AnnualizationInferred {
		log.Fatal().Str("annualization", *annualization).Msg("Invalid annualization mode")
	}

	query := coinQuery{Coin: *coin, Amount: *amount, PurchasePrice: *purchasePrice}
	if *purchaseDate != "" {
		query.PurchaseDate, err = time.Parse("2006-01-02", *purchaseDate)
		if err != nil {
			log.Fatal().Err(err).Str("purchase_date", *purchaseDate).Msg("Invalid purchase date")
		}
	}

	points, err := loadPoints(*source, *filePath, *dataPath, *days, query, config)
	if err != nil {
		log.Fatal().Err(err).Str("source", *source).Msg("Failed to load points")
	}
	log.Info().Int("points", len(points)).Str("source", *source).Msg("Loaded points")

	calc := risk.CalculatorFor(*annualization, points)
	r := report{
		Source:         *source,
		Coin:           strings.ToUpper(query.Coin),
		Points:         len(points),
		PeriodsPerYear: calc.PeriodsPerYear,
		Metrics:        calc.Calculate(points),
	}

	if err := printReport(os.Stdout, r, *asJSON); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
}

func loadPoints(source, filePath, dataPath string, days int, query coinQuery, config cfg.Settings) ([]risk.HistoricalPoint, error) {
	if query.Coin != "" && source != "remote" {
		return nil, fmt.Errorf("-coin requires -source remote")
	}

	switch source {
	case "file":
		return readPointsFile(filePath)
	case "local":
		if dataPath == "" {
			return nil, fmt.Errorf("no journal directory configured")
		}
		store, err := storage.New(dataPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		end := time.Now()
		return store.GetPoints(common.SeriesPortfolio, end.AddDate(0, 0, -days), end)
	case "remote":
		if config.APIBaseURL == "" {
			return nil, fmt.Errorf("no API base URL configured")
		}
		client := history.NewClient(config.APIBaseURL, config.AuthToken, config.RESTTimeout, nil)
		ctx, cancel := context.WithTimeout(context.Background(), config.RESTTimeout+time.Second)
		defer cancel()
		return fetchRemote(ctx, client, days, query)
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

func fetchRemote(ctx context.Context, client *history.Client, days int, query coinQuery) ([]risk.HistoricalPoint, error) {
	switch {
	case query.Coin == "":
		return client.PortfolioHistory(ctx, days)
	case query.Amount > 0:
		var opts []history.CoinOption
		if query.PurchasePrice > 0 && !query.PurchaseDate.IsZero() {
			opts = append(opts, history.WithPurchase(query.PurchasePrice, query.PurchaseDate))
		}
		return client.CoinHistory(ctx, query.Coin, query.Amount, days, opts...)
	default:
		return client.PortfolioCoinHistory(ctx, query.Coin, days)
	}
}

func readPointsFile(path string) ([]risk.HistoricalPoint, error) {
	if path == "" {
		return nil, fmt.Errorf("-file is required for -source file")
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return decodePoints(data)
}

// decodePoints accepts a bare array of points or the history endpoint's
// {"history": [...]} envelope.
func decodePoints(data []byte) ([]risk.HistoricalPoint, error) {
	var points []risk.HistoricalPoint
	if err := json.Unmarshal(data, &points); err == nil {
		return points, nil
	}

	var envelope struct {
		History []risk.HistoricalPoint `json:"history"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	if envelope.History == nil {
		return nil, fmt.Errorf("decode points: no history array")
	}
	return envelope.History, nil
}

func printReport(w io.Writer, r report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	_, err := fmt.Fprintf(w, `=== Risk Metrics ===
Source:          %s
Points:          %d (returns used: %d, skipped: %d)
Annualization:   %.2f periods/year
Mean return:     %.6f
Volatility:      %.6f
Sharpe ratio:    %.4f
Max drawdown:    %.2f%%
`,
		r.Source, r.Points, r.Returns, r.Skipped, r.PeriodsPerYear,
		r.MeanReturn, r.Volatility, r.Sharpe, r.MaxDrawdown*100)
	return err
}
