package cloud

import (
	"context"
	"os"
	"path/filepath"
)

// DownloadToFile downloads id into path. The content is written to a
// temporary file in the same directory and renamed into place, so path is
// either complete or absent.
func DownloadToFile(ctx context.Context, a Adapter, id, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := a.Download(ctx, id, tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	ok = true
	return nil
}
