package lmdbenv

import (
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
)

type TestEnvFunc func(env *lmdb.Env) error

// TestEnv creates a temporary LMDB database and calls the given test function
// with the temporary LMDB Env. Any error returned by this function is returned
// unmodified to the caller.
func TestEnv(f TestEnvFunc) error {
	tmpdir, err := os.MkdirTemp("", "ringstat_lmdb_")
	if err != nil {
		return errors.Wrap(err, "create tempdir")
	}
	if tmpdir == "" {
		panic("Empty tmpdir")
	}
	defer func() {
		_ = os.RemoveAll(tmpdir)
	}()

	env, err := New(tmpdir, Options{MapSize: 64 * 1024 * 1024})
	if err != nil {
		return errors.Wrap(err, "new lmdb env")
	}
	defer env.Close()

	return f(env)
}
