package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <image>",
	Short: "Upload a photo and link it to the registered users in it",
	Long: `Upload a photo, detect its faces and link it to every registered user
recognized in it.

Examples:
  # Upload with a generated photo ID
  face-linker match party.jpg

  # Use an explicit photo ID
  face-linker match party.jpg --photo-id p-2024-001`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("photo-id", "", "Photo ID (defaults to a random UUID)")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	photoID := mustGetString(cmd, "photo-id")
	if photoID == "" {
		photoID = uuid.NewString()
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := newApp(ctx, appOptions{hnsw: true})
	if err != nil {
		return err
	}
	defer a.Close()

	photo, err := a.engine.UploadPhoto(ctx, photoID, image)
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		return printJSON(photo)
	}

	fmt.Printf("Photo %s: %d faces detected, %d users matched\n",
		photo.PhotoID, len(photo.DetectedFaces), len(photo.MatchedUsers))
	if len(photo.MatchedUsers) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tCONFIDENCE\tTYPE")
	for _, u := range photo.MatchedUsers {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", u.UserID, u.FullName, u.Confidence, u.MatchType)
	}
	return w.Flush()
}
