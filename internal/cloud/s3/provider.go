package s3

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

// Provider adapts a bucket to cloud.Adapter. File ids are object keys.
// Folders are keys ending in "/" backed by an empty marker object.
type Provider struct {
	client  *Client
	name    string
	session *cloud.Session
}

// NewProvider creates a provider named name (aws, r2, minio, s3) on client.
func NewProvider(name string, client *Client, sessionPath string) *Provider {
	return &Provider{client: client, name: name, session: cloud.NewSession(sessionPath)}
}

// Name implements cloud.Adapter.
func (p *Provider) Name() string { return p.name }

// SignedIn implements cloud.Adapter.
func (p *Provider) SignedIn() bool { return p.session.Active() }

// SignIn verifies the credentials against the bucket.
func (p *Provider) SignIn(ctx context.Context, in cloud.Interaction) (bool, error) {
	if in != nil {
		ok, err := in.Confirm(ctx, "Sync with "+p.client.String()+"?")
		if err != nil || !ok {
			return false, nil
		}
	}
	if err := p.client.TestConnection(ctx); err != nil {
		if errors.Is(err, errors.ErrSyncCancelled) {
			return false, nil
		}
		return false, err
	}
	if err := p.session.Begin(p.name); err != nil {
		return false, errors.Wrap(errors.ErrInternal, "failed to store session", err)
	}
	logging.Info("signed in to storage provider", map[string]interface{}{
		"provider": p.name,
		"bucket":   p.client.String(),
	})
	return true, nil
}

// SignOut implements cloud.Adapter.
func (p *Provider) SignOut(ctx context.Context) error {
	return p.session.End()
}

func parentOf(key string) string {
	dir := path.Dir(strings.TrimSuffix(key, "/"))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func fileFromObject(obj Object) *cloud.File {
	f := &cloud.File{
		ID:          obj.Key,
		Name:        path.Base(strings.TrimSuffix(obj.Key, "/")),
		Size:        obj.Size,
		CreatedTime: obj.LastModified,
		ParentID:    parentOf(obj.Key),
	}
	if strings.HasSuffix(obj.Key, "/") {
		f.MimeType = cloud.FolderMimeType
		f.Size = 0
	} else if strings.HasSuffix(obj.Key, ".gz") {
		f.MimeType = "application/gzip"
	} else {
		f.MimeType = "application/octet-stream"
	}
	return f
}

func folderKey(parentID, name string) string {
	return parentID + name + "/"
}

// Get implements cloud.Adapter.
func (p *Provider) Get(ctx context.Context, id string) (*cloud.File, error) {
	obj, err := p.client.Head(ctx, id)
	if err != nil {
		return nil, err
	}
	return fileFromObject(*obj), nil
}

// List implements cloud.Adapter. Without ParentIDs the whole bucket is listed.
func (p *Provider) List(ctx context.Context, q cloud.ListQuery) ([]*cloud.File, error) {
	var out []*cloud.File
	add := func(f *cloud.File) {
		if q.Matches(f) {
			out = append(out, f)
		}
	}

	if len(q.ParentIDs) == 0 {
		objects, _, err := p.client.List(ctx, "", "")
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			add(fileFromObject(obj))
		}
		return out, nil
	}

	for _, parent := range q.ParentIDs {
		objects, prefixes, err := p.client.List(ctx, parent, "/")
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if obj.Key == parent {
				continue // the folder's own marker
			}
			add(fileFromObject(obj))
		}
		for _, prefix := range prefixes {
			add(fileFromObject(Object{Key: prefix}))
		}
	}
	return out, nil
}

// Folders implements cloud.Adapter.
func (p *Provider) Folders(ctx context.Context, parentID string) ([]*cloud.File, error) {
	return p.List(ctx, cloud.ListQuery{ParentIDs: []string{parentID}, MimeType: cloud.FolderMimeType})
}

// Download implements cloud.Adapter.
func (p *Provider) Download(ctx context.Context, id string, w io.Writer) error {
	return p.client.Get(ctx, id, w)
}

// Upload implements cloud.Adapter.
func (p *Provider) Upload(ctx context.Context, name, localPath, parentID string) (*cloud.File, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "cannot read upload source", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "cannot read upload source", err)
	}

	key := parentID + name
	if err := p.client.Put(ctx, key, f, fi.Size()); err != nil {
		return nil, err
	}
	return p.Get(ctx, key)
}

// CreateFolder implements cloud.Adapter. Creating an existing folder
// rewrites its marker.
func (p *Provider) CreateFolder(ctx context.Context, name, parentID string) (*cloud.File, error) {
	key := folderKey(parentID, name)
	if err := p.client.Put(ctx, key, strings.NewReader(""), 0); err != nil {
		return nil, err
	}
	return p.Get(ctx, key)
}

// Delete implements cloud.Adapter. Deleting a folder deletes everything
// below it.
func (p *Provider) Delete(ctx context.Context, id string) error {
	if strings.HasSuffix(id, "/") {
		objects, _, err := p.client.List(ctx, id, "")
		if err != nil {
			return err
		}
		for _, obj := range objects {
			if obj.Key == id {
				continue
			}
			if err := p.client.Delete(ctx, obj.Key); err != nil {
				return err
			}
		}
	}
	return p.client.Delete(ctx, id)
}
