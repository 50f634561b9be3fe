package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/internal/devlock"
	"github.com/trctl/trmv/internal/doctor"
	"github.com/trctl/trmv/pkg/color"
)

var doctorRemoveTmp bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Look for interrupted moves",
	Long: `Look for interrupted moves.

Scans the destination directories for completion markers of moves that did
not finish, the download directories for half-removed sources, and all of
them for temp files left by interrupted writes. An interrupted move is
finished by running its job again.

Use --remove-tmp to delete the orphan temp files found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := doctor.NewDoctor(destinations(), cfg.DLDirs, cfg.MetadataDir, devlock.NewManager(cfg.LockDir))
		result, err := doc.Check()
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}

		if doctorRemoveTmp {
			n, err := doctor.RemoveOrphanTmp(result)
			if err != nil {
				return fmt.Errorf("remove temp files: %w", err)
			}
			if !jsonOutput && n > 0 {
				fmt.Printf("Removed %d temp file(s).\n", n)
			}
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Println(color.Success("No interrupted moves."))
		} else {
			fmt.Println(color.Header(fmt.Sprintf("Findings (%d):", len(result.Findings))))
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s %s\n", color.Severity(f.Severity), f.Category, f.Description, color.Dim("("+f.Path+")"))
			}
		}

		if !result.Healthy {
			return &reportedError{err: errors.New("interrupted moves found")}
		}
		return nil
	},
}

// destinations returns destination_dirs plus default_destination.
func destinations() []string {
	dirs := append([]string{}, cfg.DestinationDirs...)
	for _, d := range dirs {
		if d == cfg.DefaultDestination {
			return dirs
		}
	}
	return append(dirs, cfg.DefaultDestination)
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorRemoveTmp, "remove-tmp", false, "delete orphan temp files")
	rootCmd.AddCommand(doctorCmd)
}
