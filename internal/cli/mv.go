package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/internal/remote"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/logging"
	"github.com/trctl/trmv/pkg/pathutil"
)

var mvCmd = &cobra.Command{
	Use:   "mv HASH...",
	Short: "Relocate torrents known to the daemon",
	Long: `Relocate the payloads of the given torrents.

Each torrent is looked up in the daemon and moved by its own "trmv job"
process, one after the other. Torrents that were already moved are
reported and skipped.

Examples:
  trmv mv 03a4f88adee883a3a135f10042442894af4167f7
  trmv mv --dest /srv/media --verify HASH1 HASH2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.IsRemote() {
			return errclass.ErrRemote.WithMessagef(
				"daemon at %s is not local; set force_not_remote if its paths are shared", cfg.RPC.URL)
		}
		timeout, err := cfg.RPCTimeout()
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate trmv binary: %w", err)
		}

		client := remote.NewClient(cfg.RPC.URL, cfg.RPC.User, cfg.RPC.Password)
		lookup := func(ctx context.Context, hash string) (*remote.Torrent, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return client.Torrent(ctx, hash)
		}

		opts, err := buildMoveOptions(cmd)
		if err != nil {
			return err
		}
		return runMoves(cmd.Context(), args, lookup, childLauncher(exe, childArgs()), opts)
	},
}

type moveOptions struct {
	Dest       string
	Force      bool
	Verify     bool
	ConfigPath string
}

// buildMoveOptions resolves the mv flags against the configuration. An
// explicit --verify=false overrides verify: true in the config.
func buildMoveOptions(cmd *cobra.Command) (moveOptions, error) {
	f := cmd.Flags()
	dest, err := f.GetString("dest")
	if err != nil {
		return moveOptions{}, err
	}
	if dest == "" {
		dest = cfg.DefaultDestination
	}
	force, err := f.GetBool("force")
	if err != nil {
		return moveOptions{}, err
	}
	verify := cfg.Verify
	if f.Changed("verify") {
		if verify, err = f.GetBool("verify"); err != nil {
			return moveOptions{}, err
		}
	}
	return moveOptions{
		Dest:       dest,
		Force:      force,
		Verify:     verify,
		ConfigPath: configPath,
	}, nil
}

type torrentLookup func(ctx context.Context, hash string) (*remote.Torrent, error)

// jobLauncher runs one job with the given hook environment and returns its
// exit code.
type jobLauncher func(ctx context.Context, env []string) (int, error)

// runMoves runs one job per hash. A single failure is returned as is; more
// than one becomes E_MULTIPLE.
func runMoves(ctx context.Context, hashes []string, lookup torrentLookup, launch jobLauncher, opts moveOptions) error {
	var (
		failures int
		last     error
	)
	fail := func(hash string, err error) {
		failures++
		last = err
		logging.ErrorErr("move failed", err, map[string]any{"hash": hash})
	}

	for _, arg := range hashes {
		if ctx.Err() != nil {
			fail(arg, ctx.Err())
			break
		}
		hash, err := pathutil.NormalizeHash(arg)
		if err != nil {
			fail(arg, err)
			continue
		}
		t, err := lookup(ctx, hash)
		if err != nil {
			fail(hash, err)
			continue
		}
		if t.PercentDone < 1 {
			fail(hash, errclass.ErrJobInvalid.WithMessagef("%s is only %.0f%% complete", t.Name, t.PercentDone*100))
			continue
		}

		code, err := launch(ctx, jobEnv(hash, t, opts))
		if err == nil {
			err = errclass.FromExitCode(code)
		}
		switch {
		case err == nil:
		case errors.Is(err, errclass.ErrAlreadyMoved):
			logging.Warn("already moved", map[string]any{"hash": hash, "name": t.Name})
		default:
			fail(hash, err)
		}
	}

	switch {
	case failures > 1:
		return errclass.ErrMultiple.WithMessagef("%d of %d moves failed", failures, len(hashes))
	case failures == 1:
		return last
	}
	return nil
}

// jobEnv is the environment the daemon would give the completion hook.
func jobEnv(hash string, t *remote.Torrent, opts moveOptions) []string {
	env := []string{
		"TR_TORRENT_HASH=" + hash,
		"TR_TORRENT_NAME=" + t.Name,
		"TR_TORRENT_DIR=" + t.DownloadDir,
		"TR_TORRENT_DESTINATION=" + opts.Dest,
		"TR_FORCE=" + boolEnv(opts.Force),
		"TR_VERIFY=" + boolEnv(opts.Verify),
	}
	if t.TorrentFile != "" {
		env = append(env, "TR_TORRENT_FILE="+t.TorrentFile)
	}
	if opts.ConfigPath != "" {
		env = append(env, "TR_CONFIG_PATH="+opts.ConfigPath)
	}
	return env
}

func childArgs() []string {
	args := []string{"job"}
	if jsonOutput {
		args = append(args, "--json")
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}

func childLauncher(exe string, args []string) jobLauncher {
	return func(ctx context.Context, env []string) (int, error) {
		c := exec.CommandContext(ctx, exe, args...)
		c.Env = append(os.Environ(), env...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		err := c.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return errclass.ExitFatal, fmt.Errorf("run job: %w", err)
		}
		return errclass.ExitOK, nil
	}
}

func registerMvFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("dest", "", "destination root (default: default_destination)")
	f.Bool("force", false, "move even when free space is short")
	f.Bool("verify", false, "ask the daemon to re-check each payload (default: verify)")
}

func init() {
	registerMvFlags(mvCmd)
	rootCmd.AddCommand(mvCmd)
}
