package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/musekit/muse/internal/output"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/storage"
)

var (
	characterDescription string
	characterGender      string
)

var characterCmd = &cobra.Command{
	Use:   "character",
	Short: "Manage characters",
	Long:  "Create, list, show, and manage AI characters and their identity images.",
}

var characterCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new draft character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterCreateRun(args[0])
	},
}

var characterListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List characters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterListRun()
	},
}

var characterShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show character details and identity images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterShowRun(args[0])
	},
}

var characterAddImageCmd = &cobra.Command{
	Use:   "add-image <character-id> <url>",
	Short: "Download an identity image from a URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterAddImageRun(args[0], args[1])
	},
}

var characterApproveCmd = &cobra.Command{
	Use:   "approve <image-id>",
	Short: "Approve an identity image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterApproveRun(args[0])
	},
}

var characterRemoveImageCmd = &cobra.Command{
	Use:     "remove-image <image-id>",
	Aliases: []string{"rm-image"},
	Short:   "Remove an identity image",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return characterRemoveImageRun(args[0])
	},
}

func init() {
	characterCreateCmd.Flags().StringVar(&characterDescription, "description", "", "Character description")
	characterCreateCmd.Flags().StringVar(&characterGender, "gender", "", "Character gender")

	characterCmd.AddCommand(characterCreateCmd)
	characterCmd.AddCommand(characterListCmd)
	characterCmd.AddCommand(characterShowCmd)
	characterCmd.AddCommand(characterAddImageCmd)
	characterCmd.AddCommand(characterApproveCmd)
	characterCmd.AddCommand(characterRemoveImageCmd)
	rootCmd.AddCommand(characterCmd)
}

// getCharacterSkill wires a CharacterSkill over the lazy store.
func getCharacterSkill() (*skills.CharacterSkill, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	media := storage.New(s, viper.GetString("base_url"))
	return skills.NewCharacterSkill(s, media), nil
}

func characterCreateRun(name string) error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create character: %s", name)
		return nil
	}

	c, err := sk.Create(context.Background(), name, characterDescription, characterGender)
	if err != nil {
		return fmt.Errorf("create character: %w", err)
	}

	ui.Success("Created character: %s (%s)", output.Cyan(c.Name), c.ID)
	return nil
}

func characterListRun() error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}
	ctx := context.Background()

	characters, err := sk.List(ctx)
	if err != nil {
		return err
	}

	if len(characters) == 0 {
		ui.Info("No characters yet. Use 'muse character create <name>' to get started.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Status", "Identity Images", "Created"})
	for _, c := range characters {
		images, _ := sk.IdentityImages(ctx, c.ID)
		approved := 0
		for _, img := range images {
			if img.Approved {
				approved++
			}
		}

		table.Append([]string{
			c.ID,
			output.Cyan(c.Name),
			output.StatusColor(string(c.Status)),
			fmt.Sprintf("%d (%d approved)", len(images), approved),
			timeAgo(c.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func characterShowRun(id string) error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}
	ctx := context.Background()

	detail, err := sk.Get(ctx, id)
	if err != nil {
		return err
	}
	c := detail.Character

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(c.Name))
	fmt.Fprintf(ui.Out, "  ID:       %s\n", c.ID)
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.StatusColor(string(c.Status)))
	if c.Gender != "" {
		fmt.Fprintf(ui.Out, "  Gender:   %s\n", c.Gender)
	}
	if c.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:     %s\n", c.Description)
	}
	fmt.Fprintf(ui.Out, "  Created:  %s\n", timeAgo(c.CreatedAt))

	if len(detail.IdentityImages) == 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("No identity images. Use 'muse character add-image %s <url>' to add one.", c.ID)
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Image ID", "Status", "Approved", "URL"})
	for _, img := range detail.IdentityImages {
		approved := ""
		if img.Approved {
			approved = output.Green("yes")
		}
		table.Append([]string{
			img.ID,
			output.StatusColor(string(img.Status)),
			approved,
			img.URL,
		})
	}
	table.Render()
	return nil
}

func characterAddImageRun(characterID, url string) error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would download identity image for %s from %s", characterID, url)
		return nil
	}

	img, err := sk.AddIdentityImage(context.Background(), characterID, url)
	if err != nil {
		return fmt.Errorf("add identity image: %w", err)
	}

	ui.Success("Added identity image: %s", img.ID)
	ui.VerboseLog("URL: %s", img.URL)
	return nil
}

func characterApproveRun(imageID string) error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would approve image: %s", imageID)
		return nil
	}

	img, err := sk.ApproveImage(context.Background(), imageID)
	if err != nil {
		return fmt.Errorf("approve image: %w", err)
	}

	ui.Success("Approved image: %s", img.ID)
	return nil
}

func characterRemoveImageRun(imageID string) error {
	sk, err := getCharacterSkill()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove image: %s", imageID)
		return nil
	}

	if err := sk.RemoveIdentityImage(context.Background(), imageID); err != nil {
		return fmt.Errorf("remove image: %w", err)
	}

	ui.Success("Removed image: %s", imageID)
	return nil
}

// timeAgo returns a short human-readable duration since t.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
