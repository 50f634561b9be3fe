package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/internal/history"
	"github.com/trctl/trmv/internal/replicate"
	"github.com/trctl/trmv/pkg/config"
	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/pathutil"
	"github.com/trctl/trmv/pkg/uuidutil"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [HASH]",
	Short: "Show completed moves",
	Long: `Show completed moves.

Without arguments lists the most recent moves, newest last. With a hash
shows the last move of that torrent and whether its metadata was copied.

Examples:
  trmv history              # Show the last 20 moves
  trmv history -n 100       # Show the last 100 moves
  trmv history HASH         # Show one move`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.HistoryEnabled() {
			return errors.New("history is disabled (history_db: none)")
		}
		if _, err := os.Stat(cfg.HistoryDB); errors.Is(err, os.ErrNotExist) {
			if jsonOutput {
				return outputJSON([]*model.MoveRecord{})
			}
			fmt.Println("No moves recorded.")
			return nil
		}

		store, err := history.OpenReadOnly(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			return showMove(store, args[0])
		}

		recs, err := store.List()
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(recs) > historyLimit {
			recs = recs[len(recs)-historyLimit:]
		}
		if jsonOutput {
			return outputJSON(recs)
		}
		if len(recs) == 0 {
			fmt.Println("No moves recorded.")
			return nil
		}
		for _, rec := range recs {
			fmt.Printf("%s  %s  %-10s %9s  %s -> %s\n",
				rec.MovedAt.Local().Format("2006-01-02 15:04:05"),
				rec.Hash[:8],
				rec.Outcome,
				config.FormatSize(rec.Bytes),
				rec.Name,
				rec.Location)
		}
		return nil
	},
}

type moveDetail struct {
	*model.MoveRecord
	MetadataCopiedAt *time.Time `json:"metadata_copied_at,omitempty"`
}

func showMove(store *history.Store, arg string) error {
	hash, err := pathutil.NormalizeHash(arg)
	if err != nil {
		return err
	}
	rec, err := store.Get(hash)
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("no move recorded for %s", hash)
	}
	if err != nil {
		return err
	}

	detail := moveDetail{MoveRecord: rec}
	if at, ok, err := replicate.New(cfg.MetadataDir).Has(hash); err == nil && ok {
		detail.MetadataCopiedAt = &at
	}

	if jsonOutput {
		return outputJSON(detail)
	}
	fmt.Printf("Hash:      %s\n", rec.Hash)
	fmt.Printf("Name:      %s\n", rec.Name)
	fmt.Printf("Outcome:   %s\n", rec.Outcome)
	fmt.Printf("Source:    %s\n", rec.Source)
	fmt.Printf("Final:     %s\n", rec.FinalPath)
	fmt.Printf("Location:  %s\n", rec.Location)
	fmt.Printf("Size:      %s\n", config.FormatSize(rec.Bytes))
	fmt.Printf("Duration:  %s\n", rec.Duration.Round(time.Millisecond))
	fmt.Printf("Moved at:  %s\n", rec.MovedAt.Local().Format(time.RFC3339))
	fmt.Printf("Run:       %s\n", uuidutil.Short(rec.RunID))
	if detail.MetadataCopiedAt != nil {
		fmt.Printf("Metadata:  copied %s\n", detail.MetadataCopiedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of moves to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
