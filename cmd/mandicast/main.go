package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/forecast"
	"github.com/agrisense/mandicast/internal/monitor"
	"github.com/agrisense/mandicast/internal/store"
	"github.com/agrisense/mandicast/internal/synth"
	"github.com/agrisense/mandicast/internal/wal"
)

var (
	// Global flags
	postgresConn string
	asJSON       bool

	// Series flags
	state     string
	district  string
	market    string
	commodity string
	variety   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mandicast",
		Short: "Operations CLI for the mandi price forecasting service",
		Long: `Batch operations against the forecasting store: sync raw price batches,
run forecasts, resolve and evaluate prediction accuracy, and inspect the
deterministic history synthesizer.`,
	}

	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres", "", "Postgres connection string (default: in-memory store)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Emit JSON output")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(synthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	if postgresConn != "" {
		return store.NewPostgresStore(postgresConn)
	}
	return store.NewMemoryStore(), nil
}

func addSeriesFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&state, "state", "", "State name")
	cmd.Flags().StringVar(&district, "district", "", "District name")
	cmd.Flags().StringVar(&market, "market", "", "Market (mandi) name")
	cmd.Flags().StringVar(&commodity, "commodity", "", "Commodity name")
	cmd.Flags().StringVar(&variety, "variety", "", "Variety (optional)")
}

// syncCmd runs one ETL pass over a batch file
func syncCmd() *cobra.Command {
	var (
		file            string
		computeFeatures bool
		limit           int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert a raw observation batch and compute features",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			var batch []*api.PriceObservation
			if err := json.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("failed to parse batch file: %w", err)
			}
			if limit > 0 && len(batch) > limit {
				batch = batch[:limit]
			}

			fetcher := store.FetcherFunc(func(context.Context, store.FetchQuery) ([]*api.PriceObservation, error) {
				return batch, nil
			})
			stats, err := store.NewSyncer(st, fetcher).Sync(ctx, store.FetchQuery{Limit: limit}, computeFeatures)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("=== Sync Complete ===\n")
			fmt.Printf("Fetched:             %d\n", stats.Fetched)
			fmt.Printf("Timeseries upserted: %d\n", stats.TimeseriesUpserted)
			fmt.Printf("Features computed:   %d\n", stats.FeaturesComputed)
			fmt.Printf("Chunks failed:       %d\n", stats.ChunksFailed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding an array of observations (required)")
	cmd.Flags().BoolVar(&computeFeatures, "compute-features", true, "Derive feature rows after the upsert")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Cap the batch size")
	cmd.MarkFlagRequired("file")
	return cmd
}

// replayCmd re-ingests journaled batches after a failed run
func replayCmd() *cobra.Command {
	var (
		walPath         string
		computeFeatures bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-ingest batches from an ingest journal file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			entries, err := wal.Replay(walPath)
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("Journal is empty")
				return nil
			}

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			total := &api.SyncStats{}
			for i, e := range entries {
				batch := e.Observations
				fetcher := store.FetcherFunc(func(context.Context, store.FetchQuery) ([]*api.PriceObservation, error) {
					return batch, nil
				})
				stats, err := store.NewSyncer(st, fetcher).Sync(ctx, store.FetchQuery{}, computeFeatures)
				if err != nil {
					return fmt.Errorf("replay of entry %d failed: %w", i, err)
				}
				total.Fetched += stats.Fetched
				total.TimeseriesUpserted += stats.TimeseriesUpserted
				total.FeaturesComputed += stats.FeaturesComputed
				total.ChunksFailed += stats.ChunksFailed
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(total)
			}
			fmt.Printf("=== Replay Complete ===\n")
			fmt.Printf("Entries:             %d\n", len(entries))
			fmt.Printf("Fetched:             %d\n", total.Fetched)
			fmt.Printf("Timeseries upserted: %d\n", total.TimeseriesUpserted)
			fmt.Printf("Features computed:   %d\n", total.FeaturesComputed)
			fmt.Printf("Chunks failed:       %d\n", total.ChunksFailed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&walPath, "wal", "w", "", "Journal file to replay (required)")
	cmd.Flags().BoolVar(&computeFeatures, "compute-features", true, "Derive feature rows after the upsert")
	cmd.MarkFlagRequired("wal")
	return cmd
}

// forecastCmd runs one forecast for a series
func forecastCmd() *cobra.Command {
	var horizon int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast prices for one series",
		Long: `Loads the series history from the store (synthesizing a deterministic
90-day history when fewer than 7 real rows exist) and prints the forecast.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			svc := forecast.NewService(st, nil, nil, nil)
			resp, err := svc.Forecast(ctx, &api.ForecastRequest{
				State:       state,
				District:    district,
				Market:      market,
				Commodity:   commodity,
				Variety:     variety,
				HorizonDays: horizon,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}
			fmt.Printf("=== Forecast (%s) ===\n", resp.Source)
			fmt.Printf("Model: %s, history points: %d, last price: %.2f\n",
				resp.ModelName, resp.Statistics.HistoryPoints, resp.Statistics.LastPrice)
			for _, step := range resp.Forecasts {
				fmt.Printf("%s  h=%2d  modal=%.2f  [%.2f .. %.2f]\n",
					step.TargetDate.Format(api.DateLayout), step.HorizonDays,
					step.PredictedModal, step.ConfidenceLower, step.ConfidenceUpper)
			}
			fmt.Printf("Importance: trend=%d seasonality=%d momentum=%d volatility=%d\n",
				resp.Importance.Trend, resp.Importance.Seasonality,
				resp.Importance.Momentum, resp.Importance.Volatility)
			for _, d := range resp.Drivers {
				fmt.Printf("  %d. %s (%s, strength %.0f)\n", d.Rank, d.Name, d.Direction, d.Strength)
			}
			return nil
		},
	}

	addSeriesFlags(cmd)
	cmd.Flags().IntVar(&horizon, "horizon", 7, "Forecast horizon in days (1..30)")
	return cmd
}

// evaluateCmd resolves due predictions and evaluates accuracy
func evaluateCmd() *cobra.Command {
	var (
		horizon   int
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Resolve due predictions and evaluate forecast accuracy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			mon := monitor.New(st, nil)

			updated, err := mon.UpdateActuals(ctx)
			if err != nil {
				return fmt.Errorf("update_actuals failed: %w", err)
			}
			fmt.Printf("Resolved %d predictions (%d still pending)\n",
				updated.Resolved, updated.StillPending)

			scope := store.Scope{Commodity: commodity, Market: market, HorizonDays: horizon}
			result, err := mon.Evaluate(ctx, scope, threshold)
			if err != nil {
				return fmt.Errorf("evaluate failed: %w", err)
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			perf := result.Performance
			fmt.Printf("=== Evaluation ===\n")
			fmt.Printf("Samples: %d (%s .. %s)\n", perf.SampleCount,
				perf.WindowStart.Format(api.DateLayout), perf.WindowEnd.Format(api.DateLayout))
			fmt.Printf("MAE=%.2f RMSE=%.2f MAPE=%.2f%% R2=%.4f\n",
				perf.MAE, perf.RMSE, perf.MAPE, perf.R2)
			if result.Alert != nil {
				fmt.Printf("ALERT [%s]: %s\n", result.Alert.Severity, result.Alert.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&commodity, "commodity", "", "Scope: commodity")
	cmd.Flags().StringVar(&market, "market", "", "Scope: market")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "Scope: horizon days (0 = all)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "MAPE alert threshold in percent (0 = default 15)")
	return cmd
}

// synthCmd prints the deterministic synthetic series for a key
func synthCmd() *cobra.Command {
	var endDate string

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Print the deterministic synthetic history for a series key",
		Long: `Generates the 90-day synthetic history used when a series has fewer
than 7 real rows. Output is bit-for-bit reproducible for the same key, which
makes this useful for verifying determinism across deployments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC().AddDate(0, 0, -1)
			if endDate != "" {
				var err error
				end, err = time.Parse(api.DateLayout, endDate)
				if err != nil {
					return fmt.Errorf("bad --end date: %w", err)
				}
			}

			series := synth.Generate(state, district, market, commodity, end)

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(series)
			}
			fmt.Printf("seed=%d days=%d\n", synth.Seed(state, market, commodity), len(series))
			for _, obs := range series {
				fmt.Printf("%s  modal=%.2f  min=%.2f  max=%.2f  arrivals=%.2f\n",
					obs.Date.Format(api.DateLayout), obs.ModalPrice,
					obs.MinPrice, obs.MaxPrice, obs.ArrivalTonnes)
			}
			return nil
		},
	}

	addSeriesFlags(cmd)
	cmd.Flags().StringVar(&endDate, "end", "", "Series end date YYYY-MM-DD (default: yesterday)")
	return cmd
}
