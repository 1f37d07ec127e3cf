package buildinfo

import "testing"

func TestCurrentAlwaysHasVersion(t *testing.T) {
	info := Current()
	if info.Version == "" {
		t.Fatal("version must never be empty")
	}
}

func TestLinkerOverridesAreTrimmed(t *testing.T) {
	origVersion, origCommit := Version, CommitHash
	defer func() { Version, CommitHash = origVersion, origCommit }()

	Version = "  1.2.3  "
	CommitHash = " abc1234 "
	info := Current()
	if info.Version != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", info.Version)
	}
	if info.CommitHash != "abc1234" {
		t.Errorf("CommitHash = %q, want abc1234", info.CommitHash)
	}
}
