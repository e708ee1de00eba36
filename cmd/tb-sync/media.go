package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/config"
	"github.com/trailbook/trailbook/internal/media"
	"github.com/trailbook/trailbook/internal/remote"
	"github.com/trailbook/trailbook/internal/ui"
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Transfer media objects through the storage collaborator",
	Long: `Upload, download, and remove binary objects (photos, GPX files) by
reference. Entities only carry the opaque object name; the bytes move
through presigned URLs, independent of entity sync.`,
}

var mediaUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file and print its object name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mc, err := buildMediaClient()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		contentType := mime.TypeByExtension(filepath.Ext(args[0]))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		ctx := context.Background()
		grant, err := mc.PresignUpload(ctx, contentType)
		if err != nil {
			return err
		}
		if err := mc.Upload(ctx, grant, f); err != nil {
			return err
		}

		fmt.Printf("%s Uploaded %s\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   object name: %s\n", ui.RenderAccent(grant.ObjectName))
		return nil
	},
}

var mediaOutPath string

var mediaGetCmd = &cobra.Command{
	Use:   "get <object-name>",
	Short: "Download an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mc, err := buildMediaClient()
		if err != nil {
			return err
		}

		ctx := context.Background()
		grant, err := mc.PresignDownload(ctx, args[0])
		if err != nil {
			return err
		}
		content, err := mc.Download(ctx, grant)
		if err != nil {
			return err
		}

		out := mediaOutPath
		if out == "" {
			out = filepath.Base(args[0])
		}
		if err := os.WriteFile(out, content, 0644); err != nil {
			return err
		}

		fmt.Printf("%s Wrote %d bytes to %s\n", ui.RenderPass("✓"), len(content), out)
		return nil
	},
}

var mediaRemoveCmd = &cobra.Command{
	Use:   "rm <object-name>",
	Short: "Remove an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mc, err := buildMediaClient()
		if err != nil {
			return err
		}

		if err := mc.Remove(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

// buildMediaClient wires a media client from configuration alone; media
// transfer does not need the local database.
func buildMediaClient() (*media.Client, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured")
	}

	return media.NewClient(media.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   remote.StaticToken(cfg.Remote.Token),
		Timeout: cfg.Remote.Timeout,
	})
}

func init() {
	mediaGetCmd.Flags().StringVarP(&mediaOutPath, "out", "o", "",
		"output path (default: the object's base name)")

	mediaCmd.AddCommand(mediaUploadCmd)
	mediaCmd.AddCommand(mediaGetCmd)
	mediaCmd.AddCommand(mediaRemoveCmd)
}
