package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"aegis/internal/remediation"
)

func catalogFromConfig() (*remediation.Catalog, int, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, 0, err
	}
	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = remediation.DefaultStrategies()
	}
	c, err := remediation.NewCatalog(strategies)
	if err != nil {
		return nil, 0, err
	}
	return c, cfg.Parallelism, nil
}

func strategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List remediation strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, _, err := catalogFromConfig()
			if err != nil {
				return err
			}
			rows := [][]string{}
			for _, s := range catalog.List() {
				rows = append(rows, []string{s.ID, s.Name, remediation.FormatSeconds(s.EstimatedTimePerContainerSeconds), s.Description})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "PER CONTAINER", "DESCRIPTION"}, rows))
			return nil
		},
	}
}

func estimateCmd() *cobra.Command {
	var (
		strategy    string
		parallelism int
	)
	cmd := &cobra.Command{
		Use:   "estimate CONTAINER_ID...",
		Short: "Estimate remediation downtime for a set of containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, defaultParallelism, err := catalogFromConfig()
			if err != nil {
				return err
			}
			s, err := catalog.Lookup(strategy)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("parallelism") {
				parallelism = defaultParallelism
			}
			var ids []string
			for _, a := range args {
				ids = append(ids, strings.Split(a, ",")...)
			}
			est := remediation.Estimate(s, ids, parallelism)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, keyValue("strategy", boldStyle.Render(s.Name)))
			fmt.Fprintln(out, keyValue("containers", strconv.Itoa(est.AffectedContainerCount)))
			fmt.Fprintln(out, keyValue("parallelism", strconv.Itoa(max(parallelism, 1))))
			fmt.Fprintln(out, keyValue("downtime", accentStyle.Render(remediation.FormatSeconds(est.EstimatedTotalSeconds))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "rolling-update", "Remediation strategy id")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "Containers remediated at once (defaults to REMEDIATION_PARALLELISM)")
	return cmd
}
