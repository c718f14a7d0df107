package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/shopfront/internal/app/runtime"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired and long-revoked sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			application, err := runtime.NewApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer application.Shutdown(cmd.Context())

			res := application.App().Sweeper.RunOnce(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
