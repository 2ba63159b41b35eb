package lmdbenv

import (
	"os"
	"path/filepath"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

const (
	DefaultDirMask  = 0o775
	DefaultFileMask = 0o664
	DefaultMapSize  = 1 * datasize.GB
	DefaultMaxDBs   = 16
)

// Options configure the LMDB env of the repository.
// This type is also used for the yaml config file.
type Options struct {
	DirMask  os.FileMode       `yaml:"dir_mask"`
	FileMask os.FileMode       `yaml:"file_mask"`
	MapSize  datasize.ByteSize `yaml:"map_size"`
	MaxDBs   int               `yaml:"max_dbs"`
	NoSubdir bool              `yaml:"no_subdir"`
	Create   bool              `yaml:"create"`
	ReadOnly bool              `yaml:"-"`
	EnvFlags uint              `yaml:"-"` // Too dangerous for direct yaml support
}

// WithDefaults returns new Options with defaults set for values that were not set
func (o Options) WithDefaults() Options {
	if o.DirMask == 0 {
		o.DirMask = DefaultDirMask
	}
	if o.FileMask == 0 {
		o.FileMask = DefaultFileMask
	}
	if o.MaxDBs == 0 {
		o.MaxDBs = DefaultMaxDBs
	}
	return o
}

// New opens an LMDB Env at path. The returned env must be closed after use.
func New(path string, opt Options) (*lmdb.Env, error) {
	opt = opt.WithDefaults()
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "lmdb env: new")
	}

	flags := opt.EnvFlags
	if opt.Create {
		flags |= lmdb.Create
	}
	if opt.NoSubdir {
		flags |= lmdb.NoSubdir
	}
	if opt.ReadOnly {
		flags |= lmdb.Readonly
		flags &^= lmdb.Create
	}

	// Only set a default MapSize when we may create the database. With 0,
	// LMDB picks up the size from the existing file.
	create := flags&lmdb.Create > 0
	if create {
		dirPath := path
		if flags&lmdb.NoSubdir > 0 {
			dirPath, _ = filepath.Split(dirPath)
		}
		if dirPath != "" {
			if err := os.MkdirAll(dirPath, opt.DirMask); err != nil {
				env.Close()
				return nil, errors.Wrap(err, "lmdb env: mkdir")
			}
		}
	}

	mapSize := opt.MapSize
	if mapSize == 0 && create {
		mapSize = DefaultMapSize
	}
	if err := env.SetMapSize(int64(mapSize)); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmapsize")
	}
	if err := env.SetMaxDBs(opt.MaxDBs); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmaxdbs")
	}
	if err := env.Open(path, flags, opt.FileMask); err != nil {
		env.Close()
		return nil, errors.Wrapf(err, "lmdb env: open %s", path)
	}
	return env, nil
}

// OpenDBIs opens the named DBIs in one transaction, creating them if the env
// is writable.
func OpenDBIs(env *lmdb.Env, names ...string) (map[string]lmdb.DBI, error) {
	flags, err := env.Flags()
	if err != nil {
		return nil, errors.Wrap(err, "env flags")
	}
	var dbiFlags uint
	if flags&lmdb.Readonly == 0 {
		dbiFlags = lmdb.Create
	}
	dbis := make(map[string]lmdb.DBI, len(names))
	open := func(txn *lmdb.Txn) error {
		for _, name := range names {
			dbi, err := txn.OpenDBI(name, dbiFlags)
			if err != nil {
				return errors.Wrapf(err, "open dbi %s", name)
			}
			dbis[name] = dbi
		}
		return nil
	}
	if dbiFlags == 0 {
		err = env.View(open)
	} else {
		err = env.Update(open)
	}
	if err != nil {
		return nil, err
	}
	return dbis, nil
}
