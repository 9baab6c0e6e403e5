package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"

	"hsbackup/internal/backup"
)

// Dropbox accepts at most 150 MiB in a single upload request. Larger
// packages go through an upload session in chunks.
const (
	DropboxSingleUploadLimit = 150 << 20
	DropboxChunkSize         = 8 << 20
)

// DropboxProvider stores packages in a Dropbox folder with an access token.
// The SDK does not take a context, so the configured timeout bounds every
// HTTP request instead.
type DropboxProvider struct {
	name   string
	folder string
	files  files.Client
	users  users.Client

	singleLimit int64
	chunkSize   int64
}

var _ backup.Provider = (*DropboxProvider)(nil)

// NewDropboxProvider creates a Dropbox client. folder is an absolute
// Dropbox path such as "/homeserver"; empty means the app folder root.
func NewDropboxProvider(name, token, folder string, timeout time.Duration) *DropboxProvider {
	cfg := dropbox.Config{
		Token:    token,
		LogLevel: dropbox.LogOff,
		Client:   &http.Client{Timeout: timeout},
	}
	if folder != "" && !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	return &DropboxProvider{
		name:   name,
		folder: strings.TrimSuffix(folder, "/"),
		files:  files.New(cfg),
		users:  users.New(cfg),

		singleLimit: DropboxSingleUploadLimit,
		chunkSize:   DropboxChunkSize,
	}
}

func (p *DropboxProvider) Name() string { return p.name }
func (p *DropboxProvider) Kind() string { return "dropbox" }

func (p *DropboxProvider) remotePath(name string) string {
	return path.Join("/", p.folder, name)
}

func (p *DropboxProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	dst := p.remotePath(remoteName)
	if chunks := p.chunks(info.Size()); chunks != nil {
		err = p.uploadSession(ctx, f, dst, chunks)
	} else {
		arg := files.NewUploadArg(dst)
		arg.Mode = overwrite()
		_, err = p.files.Upload(arg, contextReader{ctx, f})
	}
	if err != nil {
		return fmt.Errorf("%w: %s: uploading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	return nil
}

// chunks splits size into upload session chunk lengths. It returns nil
// when one request can carry the whole file.
func (p *DropboxProvider) chunks(size int64) []int64 {
	if size <= p.singleLimit {
		return nil
	}
	var out []int64
	for size > 0 {
		n := min(size, p.chunkSize)
		out = append(out, n)
		size -= n
	}
	return out
}

// uploadSession sends r in the given chunk lengths and commits it to dst.
func (p *DropboxProvider) uploadSession(ctx context.Context, r io.Reader, dst string, chunks []int64) error {
	start, err := p.files.UploadSessionStart(files.NewUploadSessionStartArg(), contextReader{ctx, io.LimitReader(r, chunks[0])})
	if err != nil {
		return fmt.Errorf("starting upload session: %w", err)
	}
	offset := uint64(chunks[0])
	for _, n := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		arg := files.NewUploadSessionAppendArg(files.NewUploadSessionCursor(start.SessionId, offset))
		if err := p.files.UploadSessionAppendV2(arg, contextReader{ctx, io.LimitReader(r, n)}); err != nil {
			return fmt.Errorf("appending at offset %d: %w", offset, err)
		}
		offset += uint64(n)
	}

	commit := files.NewCommitInfo(dst)
	commit.Mode = overwrite()
	arg := files.NewUploadSessionFinishArg(files.NewUploadSessionCursor(start.SessionId, offset), commit)
	if _, err := p.files.UploadSessionFinish(arg, http.NoBody); err != nil {
		return fmt.Errorf("finishing upload session: %w", err)
	}
	return nil
}

func overwrite() *files.WriteMode {
	return &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
}

func (p *DropboxProvider) Download(ctx context.Context, remoteName, localPath string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, body, err := p.files.Download(files.NewDownloadArg(p.remotePath(remoteName)))
	if err != nil {
		if isDropboxNotFound(err) {
			return notFound(p.name, remoteName)
		}
		return fmt.Errorf("%w: %s: downloading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	defer body.Close()

	if err := writeAtomicFrom(localPath, contextReader{ctx, body}); err != nil {
		return fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}
	return nil
}

// isDropboxNotFound reports a download that failed because the path does
// not exist.
func isDropboxNotFound(err error) bool {
	var apiErr files.DownloadAPIError
	if !errors.As(err, &apiErr) || apiErr.EndpointError == nil || apiErr.EndpointError.Path == nil {
		return false
	}
	return apiErr.EndpointError.Tag == files.DownloadErrorPath &&
		apiErr.EndpointError.Path.Tag == files.LookupErrorNotFound
}

func (p *DropboxProvider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	var out []backup.RemoteFile
	res, err := p.files.ListFolder(files.NewListFolderArg(p.folder))
	for {
		if err != nil {
			return nil, fmt.Errorf("%w: %s: listing folder: %v", backup.ErrProvider, p.name, err)
		}
		for _, entry := range res.Entries {
			if f, ok := entry.(*files.FileMetadata); ok {
				out = append(out, backup.RemoteFile{Name: f.Name, Size: int64(f.Size), ModifiedAt: f.ServerModified})
			}
		}
		if !res.HasMore {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err = p.files.ListFolderContinue(files.NewListFolderContinueArg(res.Cursor))
	}
}

// TestConnection verifies the token by fetching the current account.
func (p *DropboxProvider) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.users.GetCurrentAccount(); err != nil {
		return fmt.Errorf("%w: %s: token rejected: %v", backup.ErrProvider, p.name, err)
	}
	return nil
}
