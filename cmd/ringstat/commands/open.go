package commands

import (
	"context"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/PowerDNS/simpleblob"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ringstat/ringstat/archive"
	"github.com/ringstat/ringstat/cappeddb"
	"github.com/ringstat/ringstat/lmdbenv"
	"github.com/ringstat/ringstat/repository"
)

// stores are the open databases of the repository
type stores struct {
	env    *lmdb.Env
	capped *cappeddb.DB
	repo   *repository.Repository
}

func openCapped(readOnly bool) (*cappeddb.DB, error) {
	return cappeddb.Open(conf.CappedDB.Path, cappeddb.Options{
		Size:     conf.CappedDB.Size,
		ExitHook: !readOnly,
		ReadOnly: readOnly,
	}, logrus.StandardLogger())
}

func openEnv(readOnly bool) (*lmdb.Env, error) {
	opt := conf.Repository.Options
	opt.ReadOnly = readOnly
	return lmdbenv.New(conf.Repository.Path, opt)
}

// openStores opens the capped database, the LMDB env and the repository on
// top of them
func openStores(readOnly bool) (*stores, error) {
	l := logrus.StandardLogger()
	capped, err := openCapped(readOnly)
	if err != nil {
		return nil, err
	}
	env, err := openEnv(readOnly)
	if err != nil {
		_ = capped.Close()
		return nil, err
	}
	repo, err := repository.New(env, capped, repository.Options{
		Expiration:      conf.Repository.Expiration,
		CleanupInterval: conf.Repository.CleanupInterval,
		CacheSize:       conf.Repository.CacheSize,
	}, l)
	if err != nil {
		_ = env.Close()
		_ = capped.Close()
		return nil, err
	}
	return &stores{env: env, capped: capped, repo: repo}, nil
}

// Close closes the repository before the databases it uses
func (s *stores) Close() error {
	var merr *multierror.Error
	if err := s.repo.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "repository"))
	}
	if err := s.env.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "lmdb env"))
	}
	if err := s.capped.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "capped database"))
	}
	return merr.ErrorOrNil()
}

func openArchive(ctx context.Context) (*archive.Archive, simpleblob.Interface, error) {
	sc := conf.Archive.Storage
	st, err := simpleblob.GetBackend(ctx, sc.Type, sc.Options)
	if err != nil {
		return nil, nil, errors.Wrap(err, "archive storage")
	}
	logrus.WithField("storage_type", sc.Type).Info("Storage backend initialised")
	return archive.New(st, conf.Instance, logrus.StandardLogger()), st, nil
}
