package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Match registered faces against previously uploaded photos",
	Long: `Run the historical backfill for one user or for every registered user.

Examples:
  # Backfill a single user
  face-linker backfill --user u-123

  # Backfill everybody
  face-linker backfill --all`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().String("user", "", "User ID to backfill")
	backfillCmd.Flags().Bool("all", false, "Backfill every registered user")
	backfillCmd.Flags().Int("limit", 0, "Maximum candidate faces per user (0 = configured full limit)")
	backfillCmd.Flags().Bool("json", false, "Output as JSON")
	backfillCmd.MarkFlagsMutuallyExclusive("user", "all")
	backfillCmd.MarkFlagsOneRequired("user", "all")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	userID := mustGetString(cmd, "user")
	jsonOutput := mustGetBool(cmd, "json")

	a, err := newApp(ctx, appOptions{hnsw: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var res *engine.BackfillResult
	if mustGetBool(cmd, "all") {
		var bar *progressbar.ProgressBar
		res, err = a.engine.BackfillAll(ctx, func(done, total int) {
			if jsonOutput {
				return
			}
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Backfilling"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("users"),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetPredictTime(true),
					progressbar.OptionFullWidth(),
				)
			}
			_ = bar.Set(done)
		})
		if bar != nil {
			_ = bar.Finish()
			fmt.Println()
		}
	} else {
		identity, lookupErr := a.identities.GetIdentity(ctx, userID)
		if lookupErr != nil {
			return fmt.Errorf("failed to load identity: %w", lookupErr)
		}
		if identity == nil {
			return fmt.Errorf("user %s is not registered", userID)
		}
		limit := mustGetInt(cmd, "limit")
		if limit <= 0 {
			limit = a.cfg.Matching.HistoricalFullLimit
		}
		res, err = a.engine.Backfill(ctx, identity.UserID, identity.CanonicalFaceID, limit)
	}
	if err != nil && (res == nil || !errors.Is(err, context.Canceled)) {
		return err
	}

	if jsonOutput {
		return printJSON(res)
	}

	fmt.Printf("Candidates:      %d\n", res.Candidates)
	fmt.Printf("Committed:       %d\n", res.Committed)
	fmt.Printf("Already matched: %d\n", res.AlreadyMatched)
	fmt.Printf("Unresolved:      %d\n", res.Gaps)
	fmt.Printf("Failed:          %d\n", res.Failed)
	return err
}
