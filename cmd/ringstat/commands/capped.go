package commands

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ringstat/ringstat/aggregate"
	"github.com/ringstat/ringstat/cappeddb"
	"github.com/ringstat/ringstat/repository"
)

var cappedDecode string

func init() {
	rootCmd.AddCommand(cappedCmd)
	cappedCmd.AddCommand(cappedInfoCmd)
	cappedCmd.AddCommand(cappedReadCmd)
	cappedCmd.AddCommand(cappedResizeCmd)
	cappedReadCmd.Flags().StringVar(&cappedDecode, "decode", "", fmt.Sprintf(
		"Decode the block as %q or %q and print JSON, instead of the raw payload",
		repository.TypeQueries, repository.TypeProfile))
}

func withCapped(readOnly bool, f func(db *cappeddb.DB) error) error {
	db, err := openCapped(readOnly)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Close capped database")
		}
	}()
	return f(db)
}

var cappedCmd = &cobra.Command{
	Use:   "capped",
	Short: "Inspect or resize the capped database",
}

var cappedInfoCmd = &cobra.Command{
	Use:          "info",
	Short:        "Print the capacity and positions of the capped database",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCapped(true, func(db *cappeddb.DB) error {
			fmt.Printf("path:                %s\n", db.Path())
			fmt.Printf("capacity:            %s\n", datasize.ByteSize(db.Capacity()).HR())
			fmt.Printf("cursor:              %d\n", db.Cursor())
			fmt.Printf("oldest readable id:  %d\n", db.SmallestNonExpiredID())
			fmt.Printf("times wrapped:       %d\n", db.Cursor()/db.Capacity())
			return nil
		})
	},
}

var cappedReadCmd = &cobra.Command{
	Use:          "read ID",
	Short:        "Print one block",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "block id")
		}
		return withCapped(true, func(db *cappeddb.DB) error {
			var buf bytes.Buffer
			expired, err := db.ReadTo(id, &buf)
			if err != nil {
				return err
			}
			if expired {
				return errors.Errorf("block %d has expired", id)
			}
			switch cappedDecode {
			case "":
				_, err = os.Stdout.Write(buf.Bytes())
				return err
			case repository.TypeQueries:
				queries, err := aggregate.UnmarshalQueries(buf.Bytes())
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, queries)
			case repository.TypeProfile:
				profile, err := aggregate.UnmarshalProfile(buf.Bytes())
				if err != nil {
					return err
				}
				return writeJSON(os.Stdout, profile)
			default:
				return errors.Errorf("unknown block type %q", cappedDecode)
			}
		})
	},
}

var cappedResizeCmd = &cobra.Command{
	Use:   "resize SIZE",
	Short: "Resize the capped database, this invalidates all blocks",
	Long: `Resize the capped database, this invalidates all blocks.

Do not run this while the service is running. Update capped_db.size in the
config as well, or the next start resizes it back.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(args[0])); err != nil {
			return errors.Wrap(err, "size")
		}
		// Open with the current size, so that Open does not resize already
		db, err := cappeddb.Open(conf.CappedDB.Path, cappeddb.Options{ReadOnly: true}, logrus.StandardLogger())
		if err != nil {
			return err
		}
		current := datasize.ByteSize(db.Capacity())
		_ = db.Close()
		return withCappedSize(current, func(db *cappeddb.DB) error {
			return db.Resize(size)
		})
	},
}

func withCappedSize(size datasize.ByteSize, f func(db *cappeddb.DB) error) error {
	db, err := cappeddb.Open(conf.CappedDB.Path, cappeddb.Options{
		Size:     size,
		ExitHook: true,
	}, logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Close capped database")
		}
	}()
	return f(db)
}
