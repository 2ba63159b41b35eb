package commands

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ringstat/ringstat/repository"
)

var (
	queryFrom   string
	queryTo     string
	queryDetail bool
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.PersistentFlags().StringVar(&queryFrom, "from", "1h", "Start of the range (exclusive), as unix ms, RFC 3339, 'now' or a duration ago")
	queryCmd.PersistentFlags().StringVar(&queryTo, "to", "now", "End of the range (inclusive)")
	queryCmd.PersistentFlags().BoolVar(&queryDetail, "detail", false, "Include the queries and profile of each entry")
	queryCmd.AddCommand(queryOverallCmd)
	queryCmd.AddCommand(queryTransactionsCmd)
}

func queryRange() (from, to int64, err error) {
	now := time.Now()
	if from, err = parseTimeArg(queryFrom, now); err != nil {
		return 0, 0, err
	}
	if to, err = parseTimeArg(queryTo, now); err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

// runQuery opens the repository read-only and prints the entries returned
// by read
func runQuery(read func(r *repository.Repository, from, to int64) ([]repository.Entry, error)) error {
	from, to, err := queryRange()
	if err != nil {
		return err
	}
	s, err := openStores(true)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Warn("Close")
		}
	}()

	entries, err := read(s.repo, from, to)
	if err != nil {
		return err
	}
	views := make([]aggregateView, 0, len(entries))
	for _, e := range entries {
		v := newEntryView(e)
		if queryDetail {
			d, err := s.repo.ReadDetail(e)
			if err != nil {
				return errors.Wrap(err, "read detail")
			}
			v.setDetail(d)
		}
		views = append(views, v)
	}
	return writeJSON(os.Stdout, views)
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print stored aggregates as JSON",
}

var queryOverallCmd = &cobra.Command{
	Use:          "overall TYPE",
	Short:        "Print the overall aggregates of a transaction type",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(func(r *repository.Repository, from, to int64) ([]repository.Entry, error) {
			return r.ReadOverall(args[0], from, to)
		})
	},
}

var queryTransactionsCmd = &cobra.Command{
	Use:          "transactions TYPE [NAME]",
	Short:        "Print the aggregates of one transaction name, or of all names of a type",
	Args:         cobra.RangeArgs(1, 2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(func(r *repository.Repository, from, to int64) ([]repository.Entry, error) {
			if len(args) == 2 {
				return r.ReadTransactions(args[0], args[1], from, to)
			}
			return r.ReadTransactionsOfType(args[0], from, to)
		})
	},
}
