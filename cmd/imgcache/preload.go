package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lucasew/imgcache"
	"github.com/lucasew/imgcache/internal/errutil"
)

var preloadCmd = &cobra.Command{
	Use:   "preload [url...]",
	Short: "Caches images ahead of time, the whole catalog when no URL is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		bar := progressbar.NewOptions(
			-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("preloading"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)

		sum, err := c.Preload(cmd.Context(), args, func(p imgcache.Progress) {
			if bar.GetMax() != p.Total {
				bar.ChangeMax(p.Total)
			}
			errutil.LogMsg(bar.Set(p.Current), "Failed to update progress bar")
		})
		errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
		if err != nil {
			return err
		}

		slog.Info("Preload complete", "success", sum.Success, "failed", sum.Failed, "skipped", sum.Skipped, "total", sum.Total)
		if sum.Failed > 0 {
			return fmt.Errorf("%d of %d images failed", sum.Failed, sum.Total)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(preloadCmd)
}
