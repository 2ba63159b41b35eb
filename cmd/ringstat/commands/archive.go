package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ringstat/ringstat/archive"
)

var (
	archiveInstance string
	archiveAll      bool
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveShowCmd)
	archiveCmd.AddCommand(archiveRemoveCmd)
	archiveCmd.AddCommand(archiveCleanCmd)
	archiveListCmd.Flags().StringVar(&archiveInstance, "for-instance", "", "Only list intervals of this instance, defaults to the own instance")
	archiveListCmd.Flags().BoolVar(&archiveAll, "all", false, "List intervals of all instances")
}

func withArchive(f func(ctx context.Context, a *archive.Archive) error) error {
	ctx := rootCtx
	a, _, err := openArchive(ctx)
	if err != nil {
		return err
	}
	return f(ctx, a)
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage archived intervals in the configured storage",
}

var archiveListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List archived intervals, oldest first",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		instance := conf.Instance
		if archiveInstance != "" {
			instance = archiveInstance
		}
		if archiveAll {
			instance = ""
		}
		return withArchive(func(ctx context.Context, a *archive.Archive) error {
			infos, err := a.List(ctx, instance)
			if err != nil {
				return err
			}
			for _, ni := range infos {
				fmt.Printf("%s  %s  %s\n", ni.Timestamp.UTC().Format(time.RFC3339), ni.Instance, ni.FullName)
			}
			return nil
		})
	},
}

var archiveShowCmd = &cobra.Command{
	Use:          "show NAME",
	Short:        "Print the aggregates of an archived interval as JSON",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(ctx context.Context, a *archive.Archive) error {
			ia, err := a.Load(ctx, args[0])
			if err != nil {
				return err
			}
			var views []aggregateView
			for _, ta := range ia.Types {
				if ta.Overall != nil {
					views = append(views, newAggregateView(ta.Overall))
				}
				for _, agg := range ta.Transactions {
					views = append(views, newAggregateView(agg))
				}
			}
			return writeJSON(os.Stdout, views)
		})
	},
}

var archiveRemoveCmd = &cobra.Command{
	Use:          "remove NAME...",
	Short:        "Remove archived intervals",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(ctx context.Context, a *archive.Archive) error {
			for _, name := range args {
				if err := a.Delete(ctx, name); err != nil {
					return err
				}
				logrus.WithField("name", name).Info("Removed")
			}
			return nil
		})
	},
}

var archiveCleanCmd = &cobra.Command{
	Use:          "clean",
	Short:        "Remove archived intervals of this instance older than the retention",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(ctx context.Context, a *archive.Archive) error {
			n, err := archive.NewCleaner(a, conf.Archive, logrus.StandardLogger()).RunOnce(ctx, time.Now())
			if err != nil {
				return err
			}
			logrus.WithField("removed", n).Info("Archive cleaned")
			return nil
		})
	},
}
