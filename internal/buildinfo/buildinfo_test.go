package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "short commit",
			info: Info{Version: "1.0.0", Commit: "abc123", BuildTime: "2026-01-01"},
			want: "toolrelay 1.0.0 (abc123) built 2026-01-01",
		},
		{
			name: "full revision is shortened",
			info: Info{Version: "dev", Commit: "0123456789abcdef0123", BuildTime: "unknown", Modified: true},
			want: "toolrelay dev (0123456789ab+dirty) built unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet_FillsDefaults(t *testing.T) {
	info := Get()
	if info.Version != Version || info.Commit == "" || info.BuildTime == "" {
		t.Errorf("Get() = %+v", info)
	}
	if !strings.HasPrefix(UserAgent(), ClientName+"/") {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
