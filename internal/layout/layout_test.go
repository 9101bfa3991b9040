package layout

import (
	"testing"

	"github.com/google/uuid"
)

func TestFormatParseRoundTrip(t *testing.T) {
	id := uuid.New()
	for _, version := range []int64{0, 1, 42, 1 << 40} {
		name := FormatVersionedExecutable(id, version)
		gotID, gotVersion, ok := ParseVersionedExecutable(name)
		if !ok {
			t.Fatalf("ParseVersionedExecutable(%q) returned ok=false", name)
		}
		if gotID != id || gotVersion != version {
			t.Fatalf("round trip mismatch: got (%s, %d), want (%s, %d)", gotID, gotVersion, id, version)
		}
	}
}

func TestParseVersionedExecutableRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"project",
		"project_notauuid_v1",
		"project_" + uuid.New().String(), // missing version token
		"project_" + uuid.New().String() + "_v",
		"project_" + uuid.New().String() + "_1",
		"notproject_" + uuid.New().String() + "_v1",
		"project_" + uuid.New().String() + "_extra_v1",
		"project_" + uuid.New().String() + "_vabc",
	}
	for _, name := range cases {
		if _, _, ok := ParseVersionedExecutable(name); ok {
			t.Fatalf("ParseVersionedExecutable(%q) unexpectedly succeeded", name)
		}
	}
}

func TestPathsAreDeterministic(t *testing.T) {
	cfg := &Config{CompilerWorkingDirectory: "/tmp/flowcompile"}
	id := uuid.New()

	if got, want := cfg.ProjectDir(id), cfg.ProjectDir(id); got != want {
		t.Fatalf("ProjectDir not deterministic: %q vs %q", got, want)
	}
	if got := cfg.VersionedExecutable(id, 3); got == "" {
		t.Fatal("VersionedExecutable returned empty path")
	}
	if cfg.TargetExecutable(id) == cfg.VersionedExecutable(id, 1) {
		t.Fatal("target and versioned executable paths must differ")
	}

	cfg.Debug = true
	debugPath := cfg.TargetExecutable(id)
	cfg.Debug = false
	releasePath := cfg.TargetExecutable(id)
	if debugPath == releasePath {
		t.Fatal("debug and release target paths must differ")
	}
}
