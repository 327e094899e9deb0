package main

import (
	"fmt"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/lifecycle"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var staleOnlyFlag bool

func init() {
	clearCmd.Flags().BoolVar(&staleOnlyFlag, "stale", false, "Only delete stores of other versions than the configured one")
	rootCmd.AddCommand(clearCmd)
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete stored responses",
	Long:  "Delete all stores, or with --stale the stores that do not belong to the configured version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		provider, err := openProvider(cfg.Store)
		if err != nil {
			return err
		}
		stores := cache.NewManager(provider, cachekey.NewCacheKeyer(cfg.Origin), log.Logger)
		defer stores.Close()

		before, err := stores.Names()
		if err != nil {
			return err
		}
		if staleOnlyFlag {
			err = stores.RetainOnly(cmd.Context(), lifecycle.StoreNames(cfg.Version).All())
		} else {
			err = stores.DeleteAll(cmd.Context())
		}
		after, _ := stores.Names()
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d stores\n", len(before)-len(after), len(before))
		return err
	},
}
