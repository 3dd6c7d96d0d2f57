package db

import (
	"strings"
	"testing"

	"github.com/telepix/telepix/internal/config"
)

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "telepix",
		Password: "secret",
		Database: "telepix",
		SSLMode:  "disable",
	}
}

func TestRunMigrateUnknownCommand(t *testing.T) {
	err := RunMigrate(nil, testPostgresConfig(), nil, "sideways", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown migrate command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunMigrateForceValidatesVersion(t *testing.T) {
	if err := RunMigrate(nil, testPostgresConfig(), nil, MigrateForce, nil); err == nil {
		t.Fatal("expected error when force has no version")
	}
	err := RunMigrate(nil, testPostgresConfig(), nil, MigrateForce, []string{"abc"})
	if err == nil || !strings.Contains(err.Error(), "invalid version") {
		t.Fatalf("expected invalid version error, got %v", err)
	}
}
