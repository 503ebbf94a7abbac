package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasew/imgcache/internal/errutil"
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Loads an image through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		img, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		slog.Info("Loaded image", "url", img.URL, "type", img.ContentType, "size", len(img.Data), "cached", img.Cached)

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			defer func() { errutil.LogMsg(file.Close(), "Failed to close output file") }()
			out = file
		}
		_, err = out.Write(img.Data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output file, stdout when empty")
}
