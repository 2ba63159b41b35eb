package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ringstat/ringstat/lmdbenv/stats"
	"github.com/ringstat/ringstat/repository"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Log LMDB stats of the repository",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer func() {
			_ = env.Close()
		}()
		return stats.Log(env, repository.DBINames, logrus.StandardLogger())
	},
}
