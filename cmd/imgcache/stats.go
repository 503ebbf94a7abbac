package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasew/imgcache/internal/errutil"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints the cache statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		st, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evicts expired and excess images",
	RunE: func(cmd *cobra.Command, args []string) error {
		aggressive, err := cmd.Flags().GetBool("aggressive")
		if err != nil {
			return err
		}

		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		res, err := c.Cleanup(cmd.Context(), aggressive)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Removes every cached image",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		n, err := c.Clear(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stdout, "Removed %d images\n", n)
		return err
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(clearCmd)

	cleanupCmd.Flags().Bool("aggressive", false, "Evict down to half of the size budget")
}
