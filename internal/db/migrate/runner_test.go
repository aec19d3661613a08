package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/BuildsAndChill/mynextbook/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", "up")
	if err == nil {
		t.Fatal("Run with empty DSN should return error")
	}
	if !strings.Contains(err.Error(), "POSTGRES_URL") {
		t.Errorf("error = %q, should name POSTGRES_URL", err.Error())
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "sideways", "UP", "Down"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres://localhost/tracking", direction)
			if err == nil || !strings.Contains(err.Error(), "direction") {
				t.Errorf("Run(direction=%q) = %v, want a direction error", direction, err)
			}
		})
	}
}

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	files, err := fs.Glob(db.MigrationFS, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	ups, downs := 0, 0
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			ups++
		case strings.HasSuffix(f, ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("expected matching up/down migrations, got %d up and %d down", ups, downs)
	}
}
