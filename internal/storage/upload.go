package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// UploadResult lists what UploadDir wrote.
type UploadResult struct {
	Keys  []string
	Bytes int64
}

// UploadDir walks localDir and writes every regular file under prefix,
// keeping the relative layout and assigning content types by extension. At
// most parallelism uploads run at once. On failure the returned result still
// lists the keys that were written so the caller can roll them back.
func UploadDir(ctx context.Context, store ObjectStore, localDir, prefix string, parallelism int) (UploadResult, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("walk %s: %w", localDir, err)
	}

	var (
		mu     sync.Mutex
		result UploadResult
		errs   []error
		wg     sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(parallelism))
	for _, file := range files {
		rel, err := filepath.Rel(localDir, file)
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		wg.Add(1)
		go func(file, key string) {
			defer wg.Done()
			defer sem.Release(1)
			n, err := uploadFile(ctx, store, file, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			result.Keys = append(result.Keys, key)
			result.Bytes += n
		}(file, key)
	}
	wg.Wait()
	return result, errors.Join(errs...)
}

func uploadFile(ctx context.Context, store ObjectStore, file, key string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := store.Put(ctx, key, f, info.Size(), ContentType(file)); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
