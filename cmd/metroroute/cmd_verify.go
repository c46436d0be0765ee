package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
)

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.directory.Topology(ctx)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	return verifyTopology(cmd.OutOrStdout(), t, strict)
}

// verifyTopology prints defects, components and the repair edges the
// builder would add. With strict set, any defect or a disconnected network
// is an error.
func verifyTopology(w io.Writer, t *domain.Topology, strict bool) error {
	g, report, err := graph.Build(t)
	for _, d := range report.Defects {
		severity := "warning"
		if d.Fatal() {
			severity = "error"
		}
		fmt.Fprintf(w, "%-7s %s\n", severity, d)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "stations: %d  lines: %d  line edges: %d  interchange edges: %d\n",
		report.Stations, report.Lines, report.LineEdges, report.Interchanges)

	components := graph.FindComponents(g)
	fmt.Fprintf(w, "components: %d\n", len(components))
	if len(components) > 1 {
		for i, c := range components {
			fmt.Fprintf(w, "  component %d: %d stations, first %d\n", i+1, len(c), c[0])
		}
		_, bridges := graph.Repair(g)
		for _, b := range bridges {
			fmt.Fprintf(w, "repair edge %d <-> %d (missing interchange?)\n", b.A, b.B)
		}
	}

	if !strict {
		return nil
	}
	var errs []error
	if len(report.Defects) > 0 {
		errs = append(errs, fmt.Errorf("%d topology defects", len(report.Defects)))
	}
	if len(components) > 1 {
		errs = append(errs, &graph.DisconnectedError{Components: len(components)})
	}
	return errors.Join(errs...)
}
