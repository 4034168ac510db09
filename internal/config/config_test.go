package config

import (
	"os"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/shrbridge_test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8090" {
		t.Errorf("Port = %q, want 8090", cfg.Port)
	}
	if cfg.PushBatchSize != 50 {
		t.Errorf("PushBatchSize = %d, want 50", cfg.PushBatchSize)
	}
	if !cfg.IsDev() {
		t.Error("expected development mode by default")
	}
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidate_Complete(t *testing.T) {
	cfg := &Config{
		SHRBaseURL:      "http://shr.example.org",
		MPIBaseURL:      "http://mpi.example.org",
		IdentityBaseURL: "http://idp.example.org",
		SHRCatchment:    "3026",
		SyncUserID:      "f7e2b0a4-0000-0000-0000-000000000001",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEncounterFeedURI(t *testing.T) {
	cfg := &Config{EncounterFeedPath: "/catchments/%s/encounters", SHRCatchment: "3026"}
	if got := cfg.EncounterFeedURI(); got != "/catchments/3026/encounters" {
		t.Errorf("EncounterFeedURI = %q", got)
	}
}
