// Package localfs implements a cloud provider on a local directory, such as
// a folder kept in sync by a desktop client or a mounted network share.
package localfs

import (
	"context"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/errors"
)

// Provider stores files below Root. File ids are slash separated paths
// relative to Root.
type Provider struct {
	Root    string
	session *cloud.Session
}

// New creates a provider rooted at root. sessionPath may be empty to keep the
// signed-in state in memory.
func New(root, sessionPath string) *Provider {
	return &Provider{Root: root, session: cloud.NewSession(sessionPath)}
}

// Name implements cloud.Adapter.
func (p *Provider) Name() string { return "localfs" }

// SignedIn implements cloud.Adapter.
func (p *Provider) SignedIn() bool { return p.session.Active() }

// SignIn asks the user to confirm the sync directory and creates it.
func (p *Provider) SignIn(ctx context.Context, in cloud.Interaction) (bool, error) {
	if in != nil {
		ok, err := in.Confirm(ctx, "Use "+p.Root+" as the sync folder?")
		if err != nil || !ok {
			return false, nil
		}
	}
	if err := os.MkdirAll(p.Root, 0755); err != nil {
		return false, errors.Wrap(errors.ErrPermission, "cannot create sync directory", err)
	}
	if err := p.session.Begin(p.Name()); err != nil {
		return false, errors.Wrap(errors.ErrInternal, "failed to store session", err)
	}
	return true, nil
}

// SignOut implements cloud.Adapter.
func (p *Provider) SignOut(ctx context.Context) error {
	return p.session.End()
}

func (p *Provider) abs(id string) (string, error) {
	clean := path.Clean("/" + id)
	if clean != "/"+strings.TrimPrefix(id, "/") && id != "" {
		return "", errors.Newf(errors.ErrInvalid, "invalid file id %q", id)
	}
	return filepath.Join(p.Root, filepath.FromSlash(clean)), nil
}

func (p *Provider) file(id string, fi os.FileInfo) *cloud.File {
	f := &cloud.File{
		ID:          id,
		Name:        path.Base(id),
		CreatedTime: fi.ModTime().UTC(),
		ParentID:    path.Dir(id),
	}
	if f.ParentID == "." {
		f.ParentID = ""
	}
	if fi.IsDir() {
		f.MimeType = cloud.FolderMimeType
	} else {
		f.Size = fi.Size()
		f.MimeType = mimeType(f.Name)
	}
	return f
}

func mimeType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Get implements cloud.Adapter.
func (p *Provider) Get(ctx context.Context, id string) (*cloud.File, error) {
	full, err := p.abs(id)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, errors.Newf(errors.ErrNotFound, "file %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrProviderUnavailable, "stat failed", err)
	}
	return p.file(id, fi), nil
}

// List implements cloud.Adapter. Without ParentIDs the whole tree is listed.
func (p *Provider) List(ctx context.Context, q cloud.ListQuery) ([]*cloud.File, error) {
	var out []*cloud.File
	if len(q.ParentIDs) == 0 {
		err := filepath.Walk(p.Root, func(full string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if full == p.Root || isTemp(fi.Name()) {
				return nil
			}
			rel, err := filepath.Rel(p.Root, full)
			if err != nil {
				return err
			}
			if f := p.file(filepath.ToSlash(rel), fi); q.Matches(f) {
				out = append(out, f)
			}
			return nil
		})
		if err != nil {
			return nil, cloud.TransportError("list", err)
		}
		return out, nil
	}

	for _, parent := range q.ParentIDs {
		files, err := p.children(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if q.Matches(f) {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func (p *Provider) children(ctx context.Context, parent string) ([]*cloud.File, error) {
	dir, err := p.abs(parent)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrProviderUnavailable, "list failed", err)
	}
	out := make([]*cloud.File, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, cloud.TransportError("list", err)
		}
		if isTemp(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, p.file(path.Join(parent, e.Name()), fi))
	}
	return out, nil
}

// Folders implements cloud.Adapter.
func (p *Provider) Folders(ctx context.Context, parentID string) ([]*cloud.File, error) {
	return p.List(ctx, cloud.ListQuery{ParentIDs: []string{parentID}, MimeType: cloud.FolderMimeType})
}

// Download implements cloud.Adapter.
func (p *Provider) Download(ctx context.Context, id string, w io.Writer) error {
	full, err := p.abs(id)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return errors.Newf(errors.ErrNotFound, "file %q not found", id)
	}
	if err != nil {
		return errors.Wrap(errors.ErrProviderUnavailable, "open failed", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: f}); err != nil {
		return cloud.TransportError("download", err)
	}
	return nil
}

// Upload copies localPath into parentID/name. The target appears only once
// fully written.
func (p *Provider) Upload(ctx context.Context, name, localPath, parentID string) (*cloud.File, error) {
	id := path.Join(parentID, name)
	full, err := p.abs(id)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "cannot read upload source", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrProviderUnavailable, "upload failed", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return nil, errors.Wrap(errors.ErrProviderUnavailable, "upload failed", err)
	}
	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), full)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, cloud.TransportError("upload", err)
	}
	return p.Get(ctx, id)
}

// CreateFolder implements cloud.Adapter. An existing folder is returned as is.
func (p *Provider) CreateFolder(ctx context.Context, name, parentID string) (*cloud.File, error) {
	id := path.Join(parentID, name)
	full, err := p.abs(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrProviderUnavailable, "create folder failed", err)
	}
	return p.Get(ctx, id)
}

// Delete implements cloud.Adapter.
func (p *Provider) Delete(ctx context.Context, id string) error {
	full, err := p.abs(id)
	if err != nil {
		return err
	}
	if full == filepath.Clean(p.Root) {
		return errors.New(errors.ErrInvalid, "refusing to delete the sync root")
	}
	if err := os.RemoveAll(full); err != nil {
		return errors.Wrap(errors.ErrProviderUnavailable, "delete failed", err)
	}
	return nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".upload-")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
