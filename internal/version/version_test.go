package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	info := resolve(bi)
	if info.Version != "dev" {
		t.Fatalf("version = %q", info.Version)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" || info.GoVersion != "go1.26.0" {
		t.Fatalf("info = %+v", info)
	}
	if got := info.String(); got != "dev (0123456789ab-dirty)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveNilBuildInfo(t *testing.T) {
	info := resolve(nil)
	if info.Version != "dev" || info.Commit != "" {
		t.Fatalf("info = %+v", info)
	}
	if info.String() != "dev" {
		t.Fatalf("String() = %q", info.String())
	}
}
