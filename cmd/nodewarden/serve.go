package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the panel API, health sweep and monitoring server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			log.Info().Str("version", version).Str("database", a.Config.Database.Path).Msg("nodewarden starting")
			if err := a.Run(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("nodewarden stopped")
			return nil
		},
	}
}
