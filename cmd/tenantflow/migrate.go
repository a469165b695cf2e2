package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/tenantflow/store/postgres"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := v.GetString("postgres.dsn")
			if dsn == "" {
				return errors.New("postgres.dsn is required")
			}
			logger := newLogger(v)
			pg, err := postgres.New(cmd.Context(), dsn, postgres.WithLogger(logger))
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "Postgres connection string")
	_ = v.BindPFlag("postgres.dsn", cmd.Flags().Lookup("dsn"))
	return cmd
}
