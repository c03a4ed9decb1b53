package store

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	fileExt = ".cache"
	lockExt = ".lock"
)

var validPartition = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ErrInvalidPartition is returned by the file backend for partition names
// that cannot be used as file names.
var ErrInvalidPartition = errors.New("store: invalid partition name")

type fileBackend struct {
	dir   string
	locks partitionLocks
	cfg   config
}

var _ Backend = (*fileBackend)(nil)

// NewFile returns a Backend storing each partition as one checksummed file
// in dir. Writers hold an exclusive flock on a sibling lock file for the
// whole read-modify-write and commit by renaming a fully written temp file
// over the partition file, so readers always see a complete snapshot and
// several processes may share dir.
func NewFile(dir string, opts ...Option) (Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, unavailable(err, "store: create %s", dir)
	}
	return &fileBackend{dir: dir, cfg: applyOptions(opts)}, nil
}

func (f *fileBackend) path(partition string) string {
	return filepath.Join(f.dir, partition+fileExt)
}

func (f *fileBackend) check(partition string) error {
	if !validPartition.MatchString(partition) {
		return errors.Wrapf(ErrInvalidPartition, "%q", partition)
	}
	return nil
}

func (f *fileBackend) Load(ctx context.Context, partition string) (Records, error) {
	if err := f.check(partition); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.read(partition)
}

func (f *fileBackend) read(partition string) (Records, error) {
	buf, err := os.ReadFile(f.path(partition))
	if os.IsNotExist(err) {
		return Records{}, nil
	}
	if err != nil {
		return nil, unavailable(err, "store: read partition %s", partition)
	}
	recs, err := decodeContainer(buf)
	if err != nil {
		return nil, corrupted(partition, "", err)
	}
	return recs, nil
}

// acquire takes the in-process lock and then the cross-process file lock.
func (f *fileBackend) acquire(ctx context.Context, partition string) (func(), error) {
	unlock, err := f.locks.lock(ctx, partition)
	if err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(f.dir, partition+lockExt))
	locked, err := fl.TryLockContext(ctx, f.cfg.lockRetryDelay)
	if err != nil || !locked {
		unlock()
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, unavailable(err, "store: lock partition %s", partition)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			f.cfg.logger.Warn("unlock %s: %v", fl.Path(), err)
		}
		unlock()
	}, nil
}

func (f *fileBackend) Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error {
	if err := f.check(partition); err != nil {
		return err
	}
	release, err := f.acquire(ctx, partition)
	if err != nil {
		return err
	}
	defer release()

	current, err := f.read(partition)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return f.remove(partition)
	}
	buf, err := encodeContainer(next)
	if err != nil {
		return err
	}
	return f.commit(ctx, partition, buf)
}

func (f *fileBackend) commit(ctx context.Context, partition string, buf []byte) error {
	target := f.path(partition)
	tmp := target + "." + uuid.NewString() + ".tmp"
	if err := writeSynced(tmp, buf); err != nil {
		_ = os.Remove(tmp)
		return unavailable(err, "store: write partition %s", partition)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if runtime.GOOS == "windows" {
		_ = os.Remove(target)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return unavailable(err, "store: commit partition %s", partition)
	}
	return nil
}

func writeSynced(name string, buf []byte) error {
	fh, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := fh.Write(buf); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func (f *fileBackend) remove(partition string) error {
	err := os.Remove(f.path(partition))
	if err != nil && !os.IsNotExist(err) {
		return unavailable(err, "store: remove partition %s", partition)
	}
	return nil
}

func (f *fileBackend) Reset(ctx context.Context, partition string) error {
	if err := f.check(partition); err != nil {
		return err
	}
	release, err := f.acquire(ctx, partition)
	if err != nil {
		return err
	}
	defer release()
	return f.remove(partition)
}

// Repair re-reads the partition file after taking both locks, so a
// container another process already replaced is left alone.
func (f *fileBackend) Repair(ctx context.Context, partition string, check func(Records) error) (bool, error) {
	if err := f.check(partition); err != nil {
		return false, err
	}
	release, err := f.acquire(ctx, partition)
	if err != nil {
		return false, err
	}
	defer release()

	recs, err := f.read(partition)
	if err != nil && !errors.Is(err, ErrCorruption) {
		return false, err
	}
	if err == nil && check(recs) == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := f.remove(partition); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fileBackend) Partitions(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileExt))
	if err != nil {
		return nil, unavailable(err, "store: list partitions")
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), fileExt))
	}
	sort.Strings(out)
	return out, nil
}

func (f *fileBackend) Close() error {
	return nil
}
