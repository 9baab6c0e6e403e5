package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"hsbackup/internal/backup"
)

// DriveOptions configures a DriveProvider.
type DriveOptions struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// FolderID is the Drive folder packages are stored in. Empty means
	// the root of "My Drive".
	FolderID string
}

// DriveProvider stores packages in a Google Drive folder using an OAuth2
// refresh token.
type DriveProvider struct {
	name   string
	folder string
	svc    *drive.Service
}

var _ backup.Provider = (*DriveProvider)(nil)

// NewDriveProvider creates a Drive API client authorised by opts.
func NewDriveProvider(ctx context.Context, name string, opts DriveOptions) (*DriveProvider, error) {
	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken})

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("%w: creating drive client: %v", backup.ErrConfig, err)
	}
	folder := opts.FolderID
	if folder == "" {
		folder = "root"
	}
	return &DriveProvider{name: name, folder: folder, svc: svc}, nil
}

func (p *DriveProvider) Name() string { return p.name }
func (p *DriveProvider) Kind() string { return "drive" }

// findID returns the id of the newest non-trashed file called name in the
// folder, or "" if there is none.
func (p *DriveProvider) findID(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(name), escapeQuery(p.folder))
	res, err := p.svc.Files.List().Q(q).Fields("files(id, modifiedTime)").OrderBy("modifiedTime desc").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

// Upload creates the file, or replaces the content of an existing file of
// the same name.
func (p *DriveProvider) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	id, err := p.findID(ctx, remoteName)
	if err != nil {
		return fmt.Errorf("%w: %s: looking up %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	if id != "" {
		_, err = p.svc.Files.Update(id, &drive.File{}).Media(f).Context(ctx).Do()
	} else {
		_, err = p.svc.Files.Create(&drive.File{Name: remoteName, Parents: []string{p.folder}}).Media(f).Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("%w: %s: uploading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	return nil
}

func (p *DriveProvider) Download(ctx context.Context, remoteName, localPath string) error {
	if err := checkName(remoteName); err != nil {
		return err
	}
	id, err := p.findID(ctx, remoteName)
	if err != nil {
		return fmt.Errorf("%w: %s: looking up %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	if id == "" {
		return notFound(p.name, remoteName)
	}

	resp, err := p.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("%w: %s: downloading %s: %v", backup.ErrProvider, p.name, remoteName, err)
	}
	defer resp.Body.Close()

	if err := writeAtomicFrom(localPath, resp.Body); err != nil {
		return fmt.Errorf("%w: %s: %v", backup.ErrProvider, p.name, err)
	}
	return nil
}

func (p *DriveProvider) List(ctx context.Context) ([]backup.RemoteFile, error) {
	var files []backup.RemoteFile
	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != 'application/vnd.google-apps.folder'", escapeQuery(p.folder))
	call := p.svc.Files.List().Q(q).Fields("nextPageToken, files(name, size, modifiedTime)").Context(ctx)
	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			files = append(files, backup.RemoteFile{Name: f.Name, Size: f.Size, ModifiedAt: modified})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: listing folder: %v", backup.ErrProvider, p.name, err)
	}
	return files, nil
}

// TestConnection refreshes the token and reads the folder's metadata.
func (p *DriveProvider) TestConnection(ctx context.Context) error {
	if _, err := p.svc.Files.Get(p.folder).Fields("id").Context(ctx).Do(); err != nil {
		return fmt.Errorf("%w: %s: folder %s not reachable: %v", backup.ErrProvider, p.name, p.folder, err)
	}
	return nil
}

// escapeQuery quotes a value for use inside a Drive query string literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// readToken reads an OAuth refresh token or access token from a file.
func readToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 64<<10))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return tok, nil
}
