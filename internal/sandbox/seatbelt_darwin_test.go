//go:build darwin

package sandbox

import (
	"strings"
	"testing"

	"github.com/toolgate-io/toolgate/internal/config"
)

func TestSeatbeltProfileDenyByDefault(t *testing.T) {
	profile := seatbeltProfile(config.SandboxPolicy{
		Filesystem: config.FilesystemMode{Access: config.FilesystemReadOnly},
	}, "/tmp/scratch")

	if !strings.Contains(profile, "(deny default)") {
		t.Fatal("profile must deny by default")
	}
	if !strings.Contains(profile, "(deny network*)") {
		t.Fatal("network: false must deny network")
	}
	if !strings.Contains(profile, "(allow file-read*)") {
		t.Fatal("readonly access should allow reads")
	}
	if strings.Contains(profile, "(allow file-write*)\n") {
		t.Fatal("readonly access must not grant a blanket write allowance")
	}
}

func TestSeatbeltProfilePaths(t *testing.T) {
	profile := seatbeltProfile(config.SandboxPolicy{
		Network: true,
		Filesystem: config.FilesystemMode{
			Access: config.FilesystemPaths,
			Paths:  []string{"/srv/data"},
		},
	}, "/tmp/scratch")

	if !strings.Contains(profile, `(allow file-write* (subpath "/srv/data"))`) {
		t.Fatalf("profile = %q, want write allowance for listed path", profile)
	}
	if !strings.Contains(profile, "(allow network*)") {
		t.Fatal("network: true should allow network")
	}
	if !strings.Contains(profile, `(subpath "/tmp/scratch")`) {
		t.Fatal("scratch dir must stay accessible")
	}
}

func TestSeatbeltEnforcesRejectsCPUCap(t *testing.T) {
	d := NewSeatbeltDriver(nil)
	err := d.Enforces(config.SandboxPolicy{MaxCPUPercent: 50})
	if err == nil {
		t.Fatal("Enforces() = nil, want error for cpu cap")
	}
}
