package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/volunteer-match/internal/app"
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Recompute score records for one entity",
}

var rescoreResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Score a resume against every active opportunity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Scoring.RescoreForResume(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var rescoreOpportunityCmd = &cobra.Command{
	Use:   "opportunity <id>",
	Short: "Score an opportunity against every resume with text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Scoring.RescoreForOpportunity(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var scorePairCmd = &cobra.Command{
	Use:   "score <resume-id> <opportunity-id>",
	Short: "Score a single pair and print the stored record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resumeID, err := parseID(args[0])
		if err != nil {
			return err
		}
		oppID, err := parseID(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Scoring.ScorePair(ctx, resumeID, oppID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var scoreNewDryRun bool

var scoreNewCmd = &cobra.Command{
	Use:   "score-new",
	Short: "Score every resume and opportunity pair that has no record yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if scoreNewDryRun {
				refs, err := a.Store.ListUnscoredPairs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d unscored pairs would be scored.\n", len(refs))
				for _, p := range refs {
					fmt.Fprintf(cmd.OutOrStdout(), "resume %d, opportunity %d\n", p.ResumeID, p.OpportunityID)
				}
				return nil
			}
			rep, err := a.Scoring.ScoreUnscored(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var regradeCmd = &cobra.Command{
	Use:   "regrade",
	Short: "Recompute letter grades of stored score records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Scoring.Regrade(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d score records regraded.\n", n)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print scoring coverage statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			st, err := a.Store.ScoringStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Deactivate opportunities whose end date has passed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ids, err := a.Lifecycle.ExpireOpportunities(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d opportunities expired %v.\n", len(ids), ids)
			return nil
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	scoreNewCmd.Flags().BoolVar(&scoreNewDryRun, "dry-run", false, "list the pairs without calling the oracle")
	rescoreCmd.AddCommand(rescoreResumeCmd, rescoreOpportunityCmd)
	rootCmd.AddCommand(rescoreCmd, scorePairCmd, scoreNewCmd, regradeCmd, statusCmd, expireCmd)
}
