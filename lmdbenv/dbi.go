package lmdbenv

import (
	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
)

// OpenDBIIfExists opens a named DBI without creating it. The bool is false
// if the DBI was never created in this env.
func OpenDBIIfExists(txn *lmdb.Txn, name string) (lmdb.DBI, bool, error) {
	dbi, err := txn.OpenDBI(name, 0)
	if lmdb.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "open dbi %s", name)
	}
	return dbi, true, nil
}

// IsEmpty checks if a DBI has no entries
func IsEmpty(txn *lmdb.Txn, dbi lmdb.DBI) (bool, error) {
	st, err := txn.Stat(dbi)
	if err != nil {
		return false, errors.Wrap(err, "stat")
	}
	return st.Entries == 0, nil
}
