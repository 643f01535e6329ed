package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckpointCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspects or resets discovery checkpoints",
	}
	cmd.AddCommand(newCheckpointShowCmd(c))
	cmd.AddCommand(newCheckpointResetCmd(c))
	return cmd
}

func newCheckpointShowCmd(c *cli) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Prints the last completed and last attempted page per target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.resolveApp()
			if err != nil {
				return err
			}
			targets, err := selectTargets(c.cfg, names)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tLAST PAGE\tLAST TRIED\tUPDATED")
			for _, target := range targets {
				cp, ok, err := a.Checkpoints.Load(cmd.Context(), target.CheckpointKey())
				if err != nil {
					return fmt.Errorf("load checkpoint for %s: %w", target.Name, err)
				}
				if !ok {
					fmt.Fprintf(w, "%s\t-\t-\t-\n", target.Name)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", target.Name, cp.LastPage, cp.LastPageTried, cp.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&names, "target", nil, "only show these targets")
	return cmd
}

func newCheckpointResetCmd(c *cli) *cobra.Command {
	var (
		names []string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Deletes checkpoints so discovery restarts from the configured start page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(names) == 0 && !all {
				return errors.New("pass --target or --all")
			}
			a, err := c.resolveApp()
			if err != nil {
				return err
			}
			targets, err := selectTargets(c.cfg, names)
			if err != nil {
				return err
			}
			for _, target := range targets {
				if err := a.Checkpoints.Reset(cmd.Context(), target.CheckpointKey()); err != nil {
					return fmt.Errorf("reset checkpoint for %s: %w", target.Name, err)
				}
				c.logger.Info("checkpoint reset", zap.String("target", target.Name))
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", target.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "target", nil, "targets to reset")
	cmd.Flags().BoolVar(&all, "all", false, "reset every configured target")
	return cmd
}
