package encryption

import (
	"bytes"
	"errors"
	"testing"

	"hsbackup/internal/backup"
)

func TestNewSealerSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scheme  string
		wantErr bool
	}{
		{scheme: ""},
		{scheme: SchemeXChaCha},
		{scheme: SchemeAge},
		{scheme: "test", wantErr: true},
		{scheme: "rot13", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.scheme, func(t *testing.T) {
			t.Parallel()
			src, err := NewSealerSource(tt.scheme, "/nonexistent/secret")
			if tt.wantErr {
				if !errors.Is(err, backup.ErrConfig) {
					t.Errorf("NewSealerSource() error = %v, want ErrConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSealerSource() error = %v", err)
			}
			if src == nil {
				t.Fatal("NewSealerSource() returned nil")
			}
		})
	}
}

func TestTestSealer_RoundTrip(t *testing.T) {
	t.Parallel()
	s, err := TestSealerSource{}.NewSealer()
	if err != nil {
		t.Fatal(err)
	}

	var sealed, out bytes.Buffer
	if err := s.Seal(bytes.NewReader([]byte("data")), &sealed); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), []byte("data")) {
		t.Error("sealed output equals plaintext")
	}
	if err := s.Unseal(&sealed, &out); err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if out.String() != "data" {
		t.Errorf("Unseal() = %q, want %q", out.String(), "data")
	}

	if err := s.Unseal(bytes.NewReader([]byte("garbage")), &out); !errors.Is(err, backup.ErrEncryption) {
		t.Errorf("Unseal(garbage) error = %v, want ErrEncryption", err)
	}
}
