package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.NumTriggerStages != 4 {
		t.Errorf("expected 4 trigger stages by default, got %d", d.NumTriggerStages)
	}
	if d.MaxRenumDelay != 3000*time.Millisecond {
		t.Errorf("unexpected default renum delay: %v", d.MaxRenumDelay)
	}
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("FX2LA_NUM_SIMUL_TRANSFERS", "16")
	defer os.Unsetenv("FX2LA_NUM_SIMUL_TRANSFERS")

	cfg := Load()
	if cfg.NumSimulTransfers != 16 {
		t.Errorf("expected env override to apply, got %d", cfg.NumSimulTransfers)
	}
}
