package lmdbenv

import (
	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
)

// ReadDBINames reads all DBI names from the root database
func ReadDBINames(txn *lmdb.Txn) ([]string, error) {
	rootDBI, err := txn.OpenRoot(0)
	if err != nil {
		return nil, errors.Wrap(err, "open root")
	}
	c, err := txn.OpenCursor(rootDBI)
	if err != nil {
		return nil, errors.Wrap(err, "open cursor")
	}
	defer c.Close()

	var names []string
	for flag := uint(lmdb.First); ; flag = lmdb.Next {
		key, _, err := c.Get(nil, nil, flag)
		if lmdb.IsNotFound(err) {
			return names, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "cursor next")
		}
		names = append(names, string(key))
	}
}
