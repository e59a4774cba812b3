package db

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

const manifestName = "manifest.json"

// BackupManifest describes the contents of a backup archive.
type BackupManifest struct {
	AppVersion string            `json:"app_version"`
	CreatedAt  time.Time         `json:"created_at"`
	Versions   map[string]int    `json:"versions"`
	Files      map[string]string `json:"files"` // archive name -> sha256
	Legacy     bool              `json:"legacy"`
}

// BackupName returns the archive file name for the given store versions.
func BackupName(appVersion string, versions []int, at time.Time) string {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("dbBackup-%s-%s-%s.tar.gz", appVersion, strings.Join(parts, "-"), at.Format("20060102-150405"))
}

// LastBackup returns the path of the archive written during startup, if any.
func (r *Registry) LastBackup() string {
	r.admin.Lock()
	defer r.admin.Unlock()
	return r.lastBackup
}

// BackupIfVersionMismatch writes a backup of every existing store file when
// any store's on-disk version differs from its target, or when the legacy
// monolith is still present. It returns the archive path, or "" when no
// backup was needed.
func (r *Registry) BackupIfVersionMismatch(ctx context.Context) (string, error) {
	r.admin.Lock()
	defer r.admin.Unlock()
	return r.backupIfVersionMismatch(ctx)
}

// Backup writes a backup of every existing store file regardless of
// versions. The registry must be closed.
func (r *Registry) Backup(ctx context.Context) (string, error) {
	r.admin.Lock()
	defer r.admin.Unlock()
	if r.ready.Load() {
		return "", errors.New(errors.ErrInvalid, "close the stores before writing a backup")
	}
	return r.backup(ctx, true)
}

func (r *Registry) backupIfVersionMismatch(ctx context.Context) (string, error) {
	return r.backup(ctx, false)
}

func (r *Registry) backup(ctx context.Context, force bool) (string, error) {
	manifest := BackupManifest{
		AppVersion: r.opts.AppVersion,
		CreatedAt:  r.opts.Now().UTC(),
		Versions:   make(map[string]int),
	}

	var files []string
	var versions []int
	mismatch := force

	if legacy := r.legacyPath(); legacy != "" && fileExists(legacy) {
		v, err := FileVersion(legacy)
		if err != nil {
			return "", errors.Wrap(errors.ErrBackup, "failed to read legacy database version", err)
		}
		manifest.Legacy = true
		manifest.Versions[r.opts.Legacy.FileName] = v
		versions = append(versions, v)
		files = append(files, storeFiles(legacy)...)
		mismatch = true
	} else {
		for _, def := range r.defs {
			path := r.Path(def.Name)
			v, err := FileVersion(path)
			if err != nil {
				return "", errors.Wrap(errors.ErrBackup, "failed to read version of store "+def.Name, err)
			}
			manifest.Versions[def.Name] = v
			versions = append(versions, v)
			if v != def.Version {
				mismatch = true
			}
			files = append(files, storeFiles(path)...)
		}
	}

	if !mismatch || len(files) == 0 {
		return "", nil
	}

	target := filepath.Join(r.opts.BackupDir, BackupName(r.opts.AppVersion, versions, r.opts.Now()))
	if err := writeArchive(ctx, target, files, &manifest); err != nil {
		return "", errors.Wrap(errors.ErrBackup, "failed to write backup archive", err)
	}
	r.lastBackup = target

	logging.Info("database backup written", map[string]interface{}{
		"path":   target,
		"files":  len(files),
		"legacy": manifest.Legacy,
	})
	return target, nil
}

// storeFiles returns path and its write-ahead log when present.
func storeFiles(path string) []string {
	var out []string
	for _, p := range []string{path, path + "-wal"} {
		if fileExists(p) {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeArchive writes files and a manifest into a tar.gz at target. The
// archive is written next to target and renamed into place when complete.
func writeArchive(ctx context.Context, target string, files []string, manifest *BackupManifest) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	tempPath := target + ".tmp"
	outFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			outFile.Close()
			os.Remove(tempPath)
		}
	}()

	gzw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gzw)

	manifest.Files = make(map[string]string, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := addFile(tw, file)
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", file, err)
		}
		manifest.Files[filepath.Base(file)] = sum
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	header := &tar.Header{Name: manifestName, Mode: 0644, Size: int64(len(data)), ModTime: manifest.CreatedAt}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	if err := outFile.Sync(); err != nil {
		return err
	}
	if err := outFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, target); err != nil {
		return err
	}
	ok = true
	return nil
}

func addFile(tw *tar.Writer, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	header, err := tar.FileInfoHeader(fi, fi.Name())
	if err != nil {
		return "", err
	}
	header.Name = filepath.Base(file)
	if err := tw.WriteHeader(header); err != nil {
		return "", err
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ReadManifest returns the manifest of a backup archive.
func ReadManifest(archive string) (*BackupManifest, error) {
	var manifest *BackupManifest
	err := walkArchive(archive, func(h *tar.Header, r io.Reader) error {
		if h.Name != manifestName {
			return nil
		}
		manifest = &BackupManifest{}
		return json.NewDecoder(r).Decode(manifest)
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrBackup, "failed to read backup archive", err)
	}
	if manifest == nil {
		return nil, errors.New(errors.ErrBackup, "backup archive has no manifest")
	}
	return manifest, nil
}

// Restore replaces the store files with the contents of a backup archive.
// Every file is verified against the manifest checksum before any store
// file is touched. The registry must be closed.
func (r *Registry) Restore(ctx context.Context, archive string) error {
	r.admin.Lock()
	defer r.admin.Unlock()

	if r.ready.Load() {
		return errors.New(errors.ErrInvalid, "close the stores before restoring a backup")
	}

	manifest, err := ReadManifest(archive)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(r.opts.DataDir, ".restore-*")
	if err != nil {
		return errors.Wrap(errors.ErrBackup, "failed to create staging directory", err)
	}
	defer os.RemoveAll(staging)

	err = walkArchive(archive, func(h *tar.Header, rd io.Reader) error {
		if h.Name == manifestName {
			return nil
		}
		want, ok := manifest.Files[h.Name]
		if !ok || filepath.Base(h.Name) != h.Name {
			return fmt.Errorf("unexpected archive entry %q", h.Name)
		}
		out, err := os.Create(filepath.Join(staging, h.Name))
		if err != nil {
			return err
		}
		hash := sha256.New()
		_, err = io.Copy(io.MultiWriter(out, hash), rd)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if got := hex.EncodeToString(hash.Sum(nil)); got != want {
			return fmt.Errorf("checksum mismatch for %s", h.Name)
		}
		return ctx.Err()
	})
	if err != nil {
		return errors.Wrap(errors.ErrBackup, "backup archive failed verification", err)
	}

	// Main files first: clearing a store also clears its log.
	for _, wal := range []bool{false, true} {
		for name := range manifest.Files {
			if strings.HasSuffix(name, "-wal") != wal {
				continue
			}
			dst := filepath.Join(r.opts.DataDir, name)
			if !wal {
				removeStoreFiles(dst)
			}
			if err := os.Rename(filepath.Join(staging, name), dst); err != nil {
				return errors.Wrap(errors.ErrBackup, "failed to restore "+name, err)
			}
		}
	}

	logging.Info("backup restored", map[string]interface{}{"archive": archive, "files": len(manifest.Files)})
	return nil
}

func walkArchive(archive string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(header, tr); err != nil {
			return err
		}
	}
}
