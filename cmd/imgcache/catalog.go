package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasew/imgcache/internal/errutil"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Lists the known images in loading order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if _, err := fmt.Fprintln(w, "PRIORITY\tSECTION\tSIZE\tURL"); err != nil {
			return err
		}
		for _, img := range c.Catalog() {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", img.Priority, img.Section, img.Size, img.URL); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}
