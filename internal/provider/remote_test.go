package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"hsbackup/internal/backup"
)

func TestNewS3Provider_Prefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "empty", prefix: "", want: "homeserver_backup_20240115_103000.tar.gz.enc"},
		{name: "no slash", prefix: "hs", want: "hs/homeserver_backup_20240115_103000.tar.gz.enc"},
		{name: "slash", prefix: "hs/", want: "hs/homeserver_backup_20240115_103000.tar.gz.enc"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewS3Provider(context.Background(), "offsite", "s3", S3Options{
				Bucket:          "backups",
				Prefix:          tt.prefix,
				Region:          "us-east-1",
				AccessKeyID:     "AKIDEXAMPLE",
				SecretAccessKey: "secret",
			})
			if err != nil {
				t.Fatalf("NewS3Provider() error = %v", err)
			}
			if got := p.key("homeserver_backup_20240115_103000.tar.gz.enc"); got != tt.want {
				t.Errorf("key() = %q, want %q", got, tt.want)
			}
			if p.Name() != "offsite" || p.Kind() != "s3" {
				t.Errorf("Name(), Kind() = %q, %q", p.Name(), p.Kind())
			}
		})
	}
}

func TestB2Endpoint(t *testing.T) {
	if got, want := B2Endpoint("us-west-004"), "https://s3.us-west-004.backblazeb2.com"; got != want {
		t.Errorf("B2Endpoint() = %q, want %q", got, want)
	}
}

func TestDropboxProvider_RemotePath(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{folder: "", want: "/pkg.tar.gz"},
		{folder: "homeserver", want: "/homeserver/pkg.tar.gz"},
		{folder: "/homeserver/", want: "/homeserver/pkg.tar.gz"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.folder, func(t *testing.T) {
			p := NewDropboxProvider("box", "token", tt.folder, time.Second)
			if got := p.remotePath("pkg.tar.gz"); got != tt.want {
				t.Errorf("remotePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakeDropboxFiles records uploads. Methods it does not override panic.
type fakeDropboxFiles struct {
	files.Client
	single    []byte
	session   bytes.Buffer
	offsets   []uint64
	committed *files.UploadSessionFinishArg
}

func (f *fakeDropboxFiles) Upload(arg *files.UploadArg, r io.Reader) (*files.FileMetadata, error) {
	b, err := io.ReadAll(r)
	f.single = b
	return &files.FileMetadata{}, err
}

func (f *fakeDropboxFiles) UploadSessionStart(arg *files.UploadSessionStartArg, r io.Reader) (*files.UploadSessionStartResult, error) {
	_, err := io.Copy(&f.session, r)
	return &files.UploadSessionStartResult{SessionId: "sess-1"}, err
}

func (f *fakeDropboxFiles) UploadSessionAppendV2(arg *files.UploadSessionAppendArg, r io.Reader) error {
	if arg.Cursor.Offset != uint64(f.session.Len()) {
		return fmt.Errorf("cursor offset %d, have %d bytes", arg.Cursor.Offset, f.session.Len())
	}
	f.offsets = append(f.offsets, arg.Cursor.Offset)
	_, err := io.Copy(&f.session, r)
	return err
}

func (f *fakeDropboxFiles) UploadSessionFinish(arg *files.UploadSessionFinishArg, r io.Reader) (*files.FileMetadata, error) {
	f.committed = arg
	return &files.FileMetadata{}, nil
}

func TestDropboxProvider_Upload(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		wantOffsets []uint64
		wantSession bool
	}{
		{name: "single request", size: 64},
		{name: "at the limit", size: 100},
		{name: "session", size: 250, wantSession: true, wantOffsets: []uint64{40, 80, 120, 160, 200, 240}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			content := bytes.Repeat([]byte("0123456789"), tt.size/10)
			src := filepath.Join(t.TempDir(), "pkg")
			if err := os.WriteFile(src, content, 0600); err != nil {
				t.Fatal(err)
			}
			fake := &fakeDropboxFiles{}
			p := NewDropboxProvider("box", "token", "homeserver", time.Second)
			p.files = fake
			p.singleLimit = 100
			p.chunkSize = 40

			if err := p.Upload(context.Background(), src, "pkg.tar.gz.enc"); err != nil {
				t.Fatalf("Upload() error = %v", err)
			}
			if !tt.wantSession {
				if !bytes.Equal(fake.single, content) || fake.committed != nil {
					t.Fatalf("single upload got %d bytes, session committed = %v", len(fake.single), fake.committed != nil)
				}
				return
			}
			if fake.single != nil {
				t.Fatal("session upload also sent a single request")
			}
			if !bytes.Equal(fake.session.Bytes(), content) {
				t.Errorf("session content = %d bytes, want %d", fake.session.Len(), len(content))
			}
			if fmt.Sprint(fake.offsets) != fmt.Sprint(tt.wantOffsets) {
				t.Errorf("append offsets = %v, want %v", fake.offsets, tt.wantOffsets)
			}
			c := fake.committed
			if c == nil || c.Cursor.SessionId != "sess-1" || c.Cursor.Offset != uint64(len(content)) {
				t.Fatalf("finish = %+v, want session sess-1 at offset %d", c, len(content))
			}
			if c.Commit.Path != "/homeserver/pkg.tar.gz.enc" || c.Commit.Mode.Tag != files.WriteModeOverwrite {
				t.Errorf("commit = %s (%s), want overwrite of /homeserver/pkg.tar.gz.enc", c.Commit.Path, c.Commit.Mode.Tag)
			}
		})
	}
}

func TestIsDropboxNotFound(t *testing.T) {
	notFound := files.DownloadAPIError{
		APIError: dropbox.APIError{ErrorSummary: "path/not_found/.."},
		EndpointError: &files.DownloadError{
			Tagged: dropbox.Tagged{Tag: files.DownloadErrorPath},
			Path:   &files.LookupError{Tagged: dropbox.Tagged{Tag: files.LookupErrorNotFound}},
		},
	}
	restricted := files.DownloadAPIError{
		APIError: dropbox.APIError{ErrorSummary: "path/restricted_content/.."},
		EndpointError: &files.DownloadError{
			Tagged: dropbox.Tagged{Tag: files.DownloadErrorPath},
			Path:   &files.LookupError{Tagged: dropbox.Tagged{Tag: files.LookupErrorRestrictedContent}},
		},
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "not found", err: notFound, want: true},
		{name: "wrapped not found", err: fmt.Errorf("download: %w", notFound), want: true},
		{name: "other lookup error", err: restricted},
		{name: "summary text only", err: errors.New("path/not_found/..")},
		{name: "no endpoint error", err: files.DownloadAPIError{APIError: dropbox.APIError{ErrorSummary: "x"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := isDropboxNotFound(tt.err); got != tt.want {
				t.Errorf("isDropboxNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDriveProvider_RejectsInvalidNames(t *testing.T) {
	// No client: a name that reaches the Drive API would panic.
	p := &DriveProvider{name: "gdrive", folder: "root"}
	dst := filepath.Join(t.TempDir(), "out")
	for _, name := range []string{"", "..", "../pkg", "a/b", `a\b`} {
		if err := p.Download(context.Background(), name, dst); !errors.Is(err, backup.ErrProvider) {
			t.Errorf("Download(%q) error = %v, want ErrProvider", name, err)
		}
		if err := p.Upload(context.Background(), dst, name); !errors.Is(err, backup.ErrProvider) {
			t.Errorf("Upload(%q) error = %v, want ErrProvider", name, err)
		}
	}
}

func TestEscapeQuery(t *testing.T) {
	if got, want := escapeQuery(`it's a\b`), `it\'s a\\b`; got != want {
		t.Errorf("escapeQuery() = %q, want %q", got, want)
	}
}

func TestReadToken(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "token")
	if err := os.WriteFile(good, []byte("  refresh-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := readToken(good)
	if err != nil {
		t.Fatalf("readToken() error = %v", err)
	}
	if got != "refresh-token" {
		t.Errorf("readToken() = %q, want %q", got, "refresh-token")
	}
	if _, err := readToken(empty); err == nil {
		t.Error("readToken(empty) error = nil, want error")
	}
	if _, err := readToken(filepath.Join(dir, "missing")); err == nil {
		t.Error("readToken(missing) error = nil, want error")
	}
}
