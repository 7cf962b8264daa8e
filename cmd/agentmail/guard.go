package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/guard"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/types"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Manage the reservation pre-commit hook",
	Long: `Install, remove or exercise the pre-commit hook that blocks commits
touching paths another agent holds an exclusive reservation on.

The hook can always be bypassed with AGENT_MAIL_BYPASS=1.`,
}

var guardInstallCmd = &cobra.Command{
	Use:   "install <repo-path>",
	Short: "Install the pre-commit hook into a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		installedBy, _ := cmd.Flags().GetString("agent")
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store, arch *archive.Archive) error {
			p, err := store.GetProject(ctx, project)
			if err != nil {
				return err
			}
			b, err := guard.Install(ctx, store, arch, p, args[0], installedBy)
			if err != nil {
				return err
			}
			fmt.Printf("installed %s\n", b.HookPath)
			return nil
		})
	},
}

var guardUninstallCmd = &cobra.Command{
	Use:   "uninstall <repo-path>",
	Short: "Remove the pre-commit hook from a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store, _ *archive.Archive) error {
			p, err := store.GetProject(ctx, project)
			if err != nil {
				return err
			}
			if err := guard.Uninstall(ctx, store, p, args[0]); err != nil {
				return err
			}
			fmt.Printf("removed pre-commit hook from %s\n", args[0])
			return nil
		})
	},
}

// guardCheckCmd is what the installed hook executes. It reads the claims
// artifacts directly; no index or server is needed at commit time.
var guardCheckCmd = &cobra.Command{
	Use:    "check",
	Short:  "Check staged paths against active exclusive reservations",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		claimsDir, _ := cmd.Flags().GetString("claims")
		agent, _ := cmd.Flags().GetString("agent")
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		violations, err := guard.Check(cmd.Context(), workDir, claimsDir, agent)
		if err != nil {
			// A broken claims dir must not wedge every commit.
			fmt.Fprintf(os.Stderr, "warning: reservation check skipped: %v\n", err)
			return nil
		}
		if len(violations) == 0 {
			return nil
		}
		fmt.Fprintln(os.Stderr, "commit blocked by active file reservations:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		fmt.Fprintln(os.Stderr, "set AGENT_MAIL_BYPASS=1 to override")
		return types.E(types.KindReservationConflict, "%d reserved path(s) staged", len(violations))
	},
}

func init() {
	guardInstallCmd.Flags().String("project", "", "Project slug or human key (required)")
	guardInstallCmd.Flags().String("agent", "", "Agent recording the install")
	_ = guardInstallCmd.MarkFlagRequired("project")

	guardUninstallCmd.Flags().String("project", "", "Project slug or human key (required)")
	_ = guardUninstallCmd.MarkFlagRequired("project")

	guardCheckCmd.Flags().String("claims", "", "Path to the project archive repo holding claims")
	guardCheckCmd.Flags().String("agent", "", "Committing agent name")

	guardCmd.AddCommand(guardInstallCmd, guardUninstallCmd, guardCheckCmd)
	rootCmd.AddCommand(guardCmd)
}

// withStore opens the configured index and archive for a one-shot command.
func withStore(ctx context.Context, fn func(context.Context, storage.Store, *archive.Archive) error) error {
	if err := config.Initialize(); err != nil {
		return err
	}
	settings := config.Snapshot()
	store, err := sqlite.New(ctx, filepath.Join(settings.StorageRoot, "index.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store, archive.New(settings.StorageRoot))
}
