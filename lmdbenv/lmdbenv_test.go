package lmdbenv

import (
	"path/filepath"
	"testing"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDBIIfExists(t *testing.T) {
	err := TestEnv(func(env *lmdb.Env) error {
		return env.Update(func(txn *lmdb.Txn) error {
			_, exists, err := OpenDBIIfExists(txn, "does-not")
			require.NoError(t, err)
			assert.False(t, exists)

			created, err := txn.CreateDBI("overall")
			require.NoError(t, err)

			dbi, exists, err := OpenDBIIfExists(txn, "overall")
			require.NoError(t, err)
			assert.True(t, exists)
			assert.Equal(t, created, dbi)
			return nil
		})
	})
	assert.NoError(t, err)
}

func TestReadDBINamesAndEmpty(t *testing.T) {
	err := TestEnv(func(env *lmdb.Env) error {
		return env.Update(func(txn *lmdb.Txn) error {
			names, err := ReadDBINames(txn)
			require.NoError(t, err)
			assert.Empty(t, names)

			dbi, err := txn.OpenDBI("transactions", lmdb.Create)
			require.NoError(t, err)
			_, err = txn.OpenDBI("overall", lmdb.Create)
			require.NoError(t, err)

			empty, err := IsEmpty(txn, dbi)
			require.NoError(t, err)
			assert.True(t, empty)
			require.NoError(t, txn.Put(dbi, []byte("a"), []byte("1"), 0))
			empty, err = IsEmpty(txn, dbi)
			require.NoError(t, err)
			assert.False(t, empty)

			names, err = ReadDBINames(txn)
			require.NoError(t, err)
			assert.Equal(t, []string{"overall", "transactions"}, names)
			return nil
		})
	})
	assert.NoError(t, err)
}

func TestNewOpenDBIs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "repo")
	env, err := New(path, Options{Create: true, MapSize: 10 * 1024 * 1024})
	require.NoError(t, err)
	dbis, err := OpenDBIs(env, "overall", "transaction")
	require.NoError(t, err)
	assert.Len(t, dbis, 2)
	env.Close()

	// Read-only reopen sees the DBIs but does not create new ones
	env, err = New(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer env.Close()
	_, err = OpenDBIs(env, "overall", "transaction")
	require.NoError(t, err)
	_, err = OpenDBIs(env, "missing")
	assert.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "nothing-here"), Options{ReadOnly: true})
	assert.Error(t, err)
}
