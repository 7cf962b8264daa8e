package main

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local installation",
	Long: `Check that agentmail can run here: git on PATH, a writable storage
root, a reachable index, and per-project archive repos that git recognizes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store, arch *archive.Archive) error {
			ok := true

			if path, err := exec.LookPath("git"); err == nil {
				fmt.Printf("ok   git found at %s\n", path)
			} else {
				fmt.Println("FAIL git not found on PATH; archive commits will fail")
				ok = false
			}

			start := time.Now()
			if err := store.UnderlyingDB().PingContext(ctx); err == nil {
				fmt.Printf("ok   index at %s (%s)\n", store.Path(), time.Since(start).Round(time.Millisecond))
			} else {
				fmt.Printf("FAIL index unreachable: %v\n", err)
				ok = false
			}

			projects, err := store.ListProjects(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("ok   %d project(s) registered\n", len(projects))
			for _, p := range projects {
				repo := arch.Repo(p.Slug)
				git := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
				git.Dir = repo.Dir()
				if err := git.Run(); err != nil {
					fmt.Printf("warn %s: archive repo not initialized yet (%s)\n", p.Slug, repo.Dir())
					continue
				}
				fmt.Printf("ok   %s archive at %s\n", p.Slug, repo.Dir())
			}

			if !ok {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
