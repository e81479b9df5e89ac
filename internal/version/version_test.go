package version

import (
	"runtime"
	"testing"
)

func TestString(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2026-01-02T03:04:05Z"

	want := "1.2.3 (abc1234) built 2026-01-02T03:04:05Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Full("querymon"); got != "querymon "+want {
		t.Errorf("Full() = %q", got)
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version || info.Commit != Commit || info.BuildTime != BuildTime {
		t.Errorf("Get() = %+v, does not match package variables", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %s, want %s", info.GoVersion, runtime.Version())
	}
}
