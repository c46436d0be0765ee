package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"metroroute/internal/graph"
	"metroroute/internal/postgres"
	"metroroute/internal/topology"
)

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	t, err := topology.NewFileDirectory(args[0]).Topology(ctx)
	if err != nil {
		return err
	}
	if _, _, err := graph.Build(t); err != nil {
		return fmt.Errorf("refusing to import: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for import")
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}
	if err := postgres.NewDirectory(db, logger).Replace(ctx, t); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d stations, %d lines, %d memberships, %d interchanges\n",
		len(t.Stations), len(t.Lines), len(t.Memberships), len(t.Interchanges))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.directory.Topology(ctx)
	if err != nil {
		return err
	}
	if err := topology.WriteFile(args[0], t); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d stations and %d lines to %s\n", len(t.Stations), len(t.Lines), args[0])
	return nil
}
