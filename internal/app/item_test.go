package app

import (
	"io/fs"
	"testing"
)

func TestParseItemSpec(t *testing.T) {
	tests := []struct {
		in        string
		wantSrc   string
		wantTgt   string
		wantOwner string
		wantMode  fs.FileMode
		hasMode   bool
		wantErr   bool
	}{
		{in: "a.txt=/srv/a.txt", wantSrc: "a.txt", wantTgt: "/srv/a.txt"},
		{in: "a.txt=/srv/a.txt:www", wantSrc: "a.txt", wantTgt: "/srv/a.txt", wantOwner: "www"},
		{in: "a.txt=/srv/a.txt:www:www-data", wantSrc: "a.txt", wantTgt: "/srv/a.txt", wantOwner: "www:www-data"},
		{in: "a.txt=/srv/a.txt:1000:0", wantSrc: "a.txt", wantTgt: "/srv/a.txt", wantOwner: "1000:0"},
		{in: "a.txt=/srv/a.txt:www:0640", wantSrc: "a.txt", wantTgt: "/srv/a.txt", wantOwner: "www", wantMode: 0640, hasMode: true},
		{in: "a.txt=/srv/a.txt:www:staff:0600", wantSrc: "a.txt", wantTgt: "/srv/a.txt", wantOwner: "www:staff", wantMode: 0600, hasMode: true},
		{in: "conf/app.yaml=/etc/app.yaml::0644", wantSrc: "conf/app.yaml", wantTgt: "/etc/app.yaml", wantMode: 0644, hasMode: true},
		{in: "bin/tool=/srv/tool::04755", wantSrc: "bin/tool", wantTgt: "/srv/tool", wantMode: 0755 | fs.ModeSetuid, hasMode: true},
		{in: "a.txt", wantErr: true},
		{in: "=/srv/a.txt", wantErr: true},
		{in: "a.txt=", wantErr: true},
		{in: "a.txt=:www", wantErr: true},
		{in: "a.txt=/srv/a.txt:a:b:c", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseItemSpec(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseItemSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.SourceName != tt.wantSrc || got.TargetPath != tt.wantTgt || got.Owner != tt.wantOwner {
				t.Errorf("ParseItemSpec() = %+v", got)
			}
			if (got.Mode != nil) != tt.hasMode {
				t.Fatalf("Mode set = %v, want %v", got.Mode != nil, tt.hasMode)
			}
			if tt.hasMode && *got.Mode != tt.wantMode {
				t.Errorf("Mode = %o, want %o", *got.Mode, tt.wantMode)
			}
		})
	}
}
