package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/syncconfig"
)

var (
	version string
	dirFlag string
	verbose bool
)

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "memo",
	Short: "Offline-first memos with spaced-repetition review",
	Long: `memo - capture short notes, quiz yourself on them and keep every device in sync.

Every change is recorded locally first and pushed to the sync server when it is reachable.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if isMutatingCommand(cmd.Name()) {
			autoSyncAfterMutation(cmd.Context())
		}
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// getBaseDir returns the directory holding the local store: --dir, then
// $MEMO_DIR, then the XDG data dir.
func getBaseDir() string {
	if dirFlag != "" {
		return dirFlag
	}
	return syncconfig.DataDir()
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Memo Commands:"},
		&cobra.Group{ID: "review", Title: "Review Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging on stderr")
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "Data directory (default $MEMO_DIR or the XDG data dir)")
}
