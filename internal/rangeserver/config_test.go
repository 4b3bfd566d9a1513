package rangeserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangeserver/internal/rserr"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateRejectsShortTimerInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimerInterval = 100 * time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	code, _ := rserr.CodeOf(err)
	require.Equal(t, rserr.CodeConfigBadValue, code)
}

func TestConfigValidateRejectsShortScannerTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScannerTTL = time.Second
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsZeroWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaintenanceWorkers = 0
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}
