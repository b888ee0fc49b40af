package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.openCache()
		if err != nil {
			return err
		}
		if c == nil {
			return errNoCacheDir
		}
		defer c.Close()
		entries := c.Stats().Entries
		c.Clear()
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", entries)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and hit counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.openCache()
		if err != nil {
			return err
		}
		if c == nil {
			return errNoCacheDir
		}
		defer c.Close()
		stats := c.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nsize: %d bytes\nhits: %d\n", stats.Entries, stats.Size, stats.Hits)
		return nil
	},
}

var errNoCacheDir = errors.New("no cache directory configured (use --cache-dir or cacheDir)")

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}
