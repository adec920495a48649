package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const fileSuffix = ".cache"

// FileTier persists entries as one JSON file per key, named by the sha256
// of the key.
type FileTier struct {
	fs  afero.Fs
	dir string
}

// NewFileTier returns a file tier rooted at dir on fs.
func NewFileTier(fs afero.Fs, dir string) (*FileTier, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	return &FileTier{fs: fs, dir: dir}, nil
}

func (f *FileTier) Name() string { return "file" }

func (f *FileTier) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return path.Join(f.dir, hex.EncodeToString(sum[:])+fileSuffix)
}

func (f *FileTier) read(p string) (Entry, error) {
	data, err := afero.ReadFile(f.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("reading cache file: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding cache file %s: %w", p, err)
	}
	return e, nil
}

func (f *FileTier) Get(_ context.Context, key string) (Entry, error) {
	e, err := f.read(f.path(key))
	if err != nil {
		return Entry{}, err
	}
	// A hash collision would surface as a different key.
	if e.Key != key {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Set writes through a temporary file and a rename so readers never see a
// partial entry.
func (f *FileTier) Set(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", e.Key, err)
	}

	final := f.path(e.Key)
	tmp := final + "." + uuid.NewString() + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", e.Key, err)
	}
	if err := f.fs.Rename(tmp, final); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("committing cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (f *FileTier) Delete(_ context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := f.fs.Remove(f.path(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing cache entry %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// scan calls fn for every decodable entry; undecodable files are removed.
func (f *FileTier) scan(fn func(p string, e Entry) error) error {
	infos, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		return fmt.Errorf("listing cache dir: %w", err)
	}
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), fileSuffix) {
			continue
		}
		p := path.Join(f.dir, info.Name())
		e, err := f.read(p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			_ = f.fs.Remove(p)
			continue
		}
		if err := fn(p, e); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileTier) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	err := f.scan(func(p string, e Entry) error {
		if !strings.HasPrefix(e.Key, prefix) {
			return nil
		}
		if err := f.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing cache entry %s: %w", e.Key, err)
		}
		n++
		return nil
	})
	return n, err
}

func (f *FileTier) Sweep(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := f.scan(func(p string, e Entry) error {
		if !e.Expired(now) {
			return nil
		}
		if err := f.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing expired entry %s: %w", e.Key, err)
		}
		n++
		return nil
	})
	return n, err
}

func (f *FileTier) Len(_ context.Context) (int, error) {
	n := 0
	err := f.scan(func(string, Entry) error {
		n++
		return nil
	})
	return n, err
}
