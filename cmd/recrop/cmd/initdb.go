package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/batch"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/spf13/cobra"
)

// initDBCmd creates the store tables and optionally seeds source rows.
var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the store tables",
	Long: `Create the source, summary and line item tables of the configured store.
With --seed the records of a manifest are inserted as source rows so that
"recrop run --load-date" can pick them up.

Examples:
  recrop init-db
  recrop init-db --seed records.yaml --load-date 20250301`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runInitDBCommand,
}

func init() {
	rootCmd.AddCommand(initDBCmd)

	initDBCmd.Flags().String("seed", "", "manifest whose records are inserted as source rows")
	initDBCmd.Flags().String("load-date", "", "LOAD_DATE (YYYYMMDD) of seeded rows (default: yesterday)")
}

func runInitDBCommand(cmd *cobra.Command, _ []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", cfg.Store.Driver)

	seed, _ := cmd.Flags().GetString("seed")
	if seed == "" {
		return nil
	}
	loadDate, _ := cmd.Flags().GetString("load-date")
	if loadDate == "" {
		loadDate = store.Yesterday(time.Now())
	}
	if err := store.ValidateLoadDate(loadDate); err != nil {
		return err
	}

	records, err := batch.LoadManifest(seed)
	if err != nil {
		return err
	}
	loadTime := time.Now().Format("150405")
	for _, rec := range records {
		if err := st.InsertSource(ctx, sourceRow(rec, loadDate, loadTime)); err != nil {
			return fmt.Errorf("failed to seed %s/%d: %w", rec.ContainerID, rec.LineIndex, err)
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d source rows for %s\n", len(records), loadDate)
	return nil
}

// sourceRow maps a manifest record onto a source table row.
func sourceRow(rec receipt.InputRecord, loadDate, loadTime string) store.SourceRow {
	row := store.SourceRow{
		FIID:     rec.ContainerID,
		Seq:      rec.LineIndex,
		Gubun:    rec.Category,
		LoadDate: loadDate,
		LoadTime: loadTime,
	}
	for _, src := range rec.Sources {
		switch src.Kind {
		case receipt.SourceSingle:
			row.AttachFile = src.Location
		case receipt.SourceShared:
			row.FilePath = src.Location
		}
	}
	return row
}
