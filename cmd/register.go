package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/face-linker/internal/engine"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <image>",
	Short: "Register the reference face of a user",
	Long: `Register the reference face of a user from a selfie image.

The image must contain exactly one face. Photos uploaded before the
registration are matched immediately for a first batch; the full
historical backfill is queued and picked up by a running server, or
processed inline with --process-backfill.

Examples:
  # Register a user
  face-linker register selfie.jpg --user u-123

  # Register and run the queued backfill right away
  face-linker register selfie.jpg --user u-123 --process-backfill`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("user", "", "User ID to register (required)")
	registerCmd.Flags().Bool("process-backfill", false, "Process the queued historical backfill before exiting")
	registerCmd.Flags().Bool("json", false, "Output as JSON")
	_ = registerCmd.MarkFlagRequired("user")
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	userID := mustGetString(cmd, "user")
	jsonOutput := mustGetBool(cmd, "json")

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Register(ctx, userID, image)
	if err != nil {
		var regErr *engine.RegistrationError
		if errors.As(err, &regErr) {
			return fmt.Errorf("registration %s at %s: %w", regErr.State, regErr.Step, regErr.Err)
		}
		return err
	}

	processed := 0
	if mustGetBool(cmd, "process-backfill") {
		for a.queue.ProcessNext(ctx, a.engine.HandleTask) {
			processed++
		}
	}

	if jsonOutput {
		return printJSON(res)
	}

	if res.Reused {
		fmt.Printf("User %s is already registered with face %s\n", res.UserID, res.FaceID)
	} else {
		fmt.Printf("Registered user %s with face %s\n", res.UserID, res.FaceID)
	}
	fmt.Printf("Initial matches: %d\n", res.InitialMatches)
	if res.TaskID != "" {
		fmt.Printf("Backfill task:   %s\n", res.TaskID)
	}
	if processed > 0 {
		fmt.Printf("Processed %d queued tasks\n", processed)
	}
	return nil
}
