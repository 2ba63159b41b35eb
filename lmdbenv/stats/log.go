package stats

import (
	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log logs LMDB env info and the stats of the given DBIs once
func Log(env *lmdb.Env, dbnames []string, l logrus.FieldLogger) error {
	info, err := env.Info()
	if err != nil {
		return errors.Wrap(err, "env info")
	}
	path, err := env.Path()
	if err != nil {
		return errors.Wrap(err, "env path")
	}
	filesize, err := lmdbFileSize(path)
	if err != nil {
		return errors.Wrap(err, "file size")
	}

	l.WithFields(logrus.Fields{
		"path":        path,
		"map_size":    datasize.ByteSize(info.MapSize).HR(),
		"num_readers": info.NumReaders,
		"max_readers": info.MaxReaders,
		"file_size":   datasize.ByteSize(filesize).HR(),
		"last_txn_id": info.LastTxnID,
	}).Info("LMDB info")

	return env.View(func(txn *lmdb.Txn) error {
		for _, dbname := range dbnames {
			dbi, err := txn.OpenDBI(dbname, 0)
			if err != nil {
				return errors.Wrap(err, "opendbi "+dbname)
			}
			stat, err := txn.Stat(dbi)
			if err != nil {
				return errors.Wrap(err, "stat "+dbname)
			}
			l.WithFields(logrus.Fields{
				"db":             dbname,
				"entries":        stat.Entries,
				"depth":          stat.Depth,
				"branch_pages":   stat.BranchPages,
				"leaf_pages":     stat.LeafPages,
				"overflow_pages": stat.OverflowPages,
				"usage":          datasize.ByteSize(PageUsageBytes(stat)).HR(),
			}).Info("LMDB db stat")
		}
		return nil
	})
}
