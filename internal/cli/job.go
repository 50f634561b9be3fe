package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/internal/engine"
	"github.com/trctl/trmv/internal/relocate"
	"github.com/trctl/trmv/internal/remote"
	"github.com/trctl/trmv/pkg/color"
	"github.com/trctl/trmv/pkg/config"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/pathutil"
	"github.com/trctl/trmv/pkg/progress"
)

var jobProgress bool

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Relocate one completed torrent",
	Long: `Relocate the payload of one completed torrent.

Inputs are read from flags, falling back to the environment the torrent
daemon sets for its completion hook:

  --hash          TR_TORRENT_HASH          info-hash
  --name          TR_TORRENT_NAME          payload name
  --dir           TR_TORRENT_DIR           directory holding the payload
  --root          TR_TORRENT_ROOT          source root for log messages
  --dest          TR_TORRENT_DESTINATION   destination root
  --margin        TR_FREE_SPACE_TO_LEAVE   free space to keep, e.g. 40GiB
  --force         TR_FORCE                 move even when space is short
  --verify        TR_VERIFY                re-check the payload afterwards
  --torrent-file  TR_TORRENT_FILE          metadata file to replicate

Exit codes: 0 moved, 1 failed, 2 already moved, 3 insufficient space,
4 the daemon could not be updated (the data is safe at its new place).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := buildJob(cmd)
		if err != nil {
			return err
		}

		opts := engine.Options{}
		var term *progress.Terminal
		if jobProgress {
			term = progress.NewTerminal("moving", true)
			opts.Progress = term.Callback()
		}

		client := remote.NewClient(cfg.RPC.URL, cfg.RPC.User, cfg.RPC.Password)
		runner, err := relocate.New(cfg, client, opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := runner.Run(ctx, job)
		if term != nil && err == nil {
			term.Done("")
		}
		if jsonOutput {
			if jerr := outputJSON(report); jerr != nil {
				fmtErr("write report: %v", jerr)
			}
		} else if err == nil {
			fmt.Printf("%s %s to %s\n", color.Success("Moved"), job.Name, report.FinalPath)
		}
		if err != nil {
			return &reportedError{err: err}
		}
		return nil
	},
}

// buildJob assembles a job from flags, the hook environment and the config.
func buildJob(cmd *cobra.Command) (*model.Job, error) {
	hash, err := pathutil.NormalizeHash(stringInput(cmd, "hash", "TR_TORRENT_HASH", ""))
	if err != nil {
		return nil, errclass.ErrJobInvalid.WithMessage(err.Error())
	}
	name := stringInput(cmd, "name", "TR_TORRENT_NAME", "")
	dir := stringInput(cmd, "dir", "TR_TORRENT_DIR", "")
	if name == "" || dir == "" {
		return nil, errclass.ErrJobInvalid.WithMessage("payload name and directory are required")
	}
	if resolved, ok := pathutil.ResolveName(dir, name); ok {
		name = resolved
	}

	margin, err := cfg.Margin()
	if v := stringInput(cmd, "margin", "TR_FREE_SPACE_TO_LEAVE", ""); v != "" {
		margin, err = config.ParseSize(v)
	}
	if err != nil {
		return nil, errclass.ErrJobInvalid.WithMessagef("free space to leave: %v", err)
	}
	force, err := boolInput(cmd, "force", "TR_FORCE", false)
	if err != nil {
		return nil, errclass.ErrJobInvalid.WithMessage(err.Error())
	}
	verify, err := boolInput(cmd, "verify", "TR_VERIFY", cfg.Verify)
	if err != nil {
		return nil, errclass.ErrJobInvalid.WithMessage(err.Error())
	}

	return &model.Job{
		Hash:       hash,
		Name:       name,
		SourceDir:  dir,
		SourceRoot: stringInput(cmd, "root", "TR_TORRENT_ROOT", cfg.BaseDir),
		DestRoot:   stringInput(cmd, "dest", "TR_TORRENT_DESTINATION", cfg.DefaultDestination),
		Force:      force,
		Verify:     verify,
		Margin:     margin,
		Metadata:   stringInput(cmd, "torrent-file", "TR_TORRENT_FILE", ""),
	}, nil
}

func registerJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("hash", "", "info-hash of the torrent")
	f.String("name", "", "payload name")
	f.String("dir", "", "directory holding the payload")
	f.String("root", "", "source root used in log messages")
	f.String("dest", "", "destination root")
	f.String("margin", "", "free space to leave on the destination")
	f.Bool("force", false, "move even when free space is short")
	f.Bool("verify", false, "ask the daemon to re-check the payload")
	f.String("torrent-file", "", "metadata file to replicate")
	f.BoolVar(&jobProgress, "progress", false, "show a progress bar on stderr")
}

func init() {
	registerJobFlags(jobCmd)
	rootCmd.AddCommand(jobCmd)
}
