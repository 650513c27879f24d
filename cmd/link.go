package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/spf13/cobra"
)

var linkCmd = &cobra.Command{
	Use:   "link <user-id>...",
	Short: "Group user accounts that share photo matches",
	Long: `Put user accounts into one group. A photo matched to any account in
the group is also linked to the others.

Examples:
  face-linker link u-123 u-456 --group family-a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLink,
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Set the display fields shown next to a user's matches",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfile,
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(profileCmd)

	linkCmd.Flags().String("group", "", "Group ID (required)")
	_ = linkCmd.MarkFlagRequired("group")

	profileCmd.Flags().String("name", "", "Full name")
	profileCmd.Flags().String("email", "", "Email address")
	profileCmd.Flags().String("avatar", "", "Avatar URL")
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	group := mustGetString(cmd, "group")

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, userID := range args {
		if err := a.links.LinkAccount(ctx, group, userID); err != nil {
			return fmt.Errorf("failed to link %s: %w", userID, err)
		}
		fmt.Printf("Linked %s to group %s\n", userID, group)
	}
	return nil
}

func runProfile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	profile, err := a.profiles.GetProfile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		profile = &database.UserProfile{UserID: args[0]}
	}
	if cmd.Flags().Changed("name") {
		profile.FullName = mustGetString(cmd, "name")
	}
	if cmd.Flags().Changed("email") {
		profile.Email = mustGetString(cmd, "email")
	}
	if cmd.Flags().Changed("avatar") {
		profile.AvatarURL = mustGetString(cmd, "avatar")
	}

	if err := a.profiles.UpsertProfile(ctx, *profile); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	fmt.Printf("Saved profile for %s\n", profile.UserID)
	return nil
}
