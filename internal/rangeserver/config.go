package rangeserver

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/cockroachdb/rangeserver/internal/rserr"
)

// Config holds every range server knob. Values are bound to a
// *pflag.FlagSet by BindFlags so the cobra command line populates the
// struct; no config file is read.
type Config struct {
	Port int

	BaseDir   string // data root; tables/ and log/ live under here
	TablesDir string
	LogDir    string

	CommitLogRollLimit uint64 // bytes per tier fragment before rotation

	RangeSplitSize uint64 // default per-range size limit before a split is scheduled

	MaintenanceWorkers int
	TimerInterval      time.Duration
	ScannerTTL         time.Duration

	ClockSkewMax time.Duration // max allowed (latest_revision - auto_revision) before CLOCK_SKEW

	AccessGroupMaxFiles   int    // cell store (file) count per access group before a merging compaction is preferred over a minor one
	AccessGroupMergeFiles int    // minimum stable file count a merging compaction collapses down to
	AccessGroupMaxMemory  uint64 // per-access-group memtable size, in bytes, that triggers compaction

	BlockCacheMaxMemory uint64 // shared block cache budget across all access groups

	CommitLogPruneThresholdMin uint64 // floor on the log cleanup prune threshold, in bytes
	CommitLogPruneThresholdMax uint64 // ceiling on the log cleanup prune threshold, in bytes

	ExistenceFile string // coordinator path locked exclusively at startup
}

// DefaultConfig returns the range server's out-of-the-box settings.
func DefaultConfig() Config {
	return Config{
		Port:               15865,
		BaseDir:            "/opt/rangeserver",
		TablesDir:          "/opt/rangeserver/tables",
		LogDir:             "/opt/rangeserver/log",
		CommitLogRollLimit: 100 << 20,
		RangeSplitSize:     200 << 20,
		MaintenanceWorkers: 4,
		TimerInterval:      30 * time.Second,
		ScannerTTL:         2 * time.Minute,

		ClockSkewMax: 60 * time.Second,

		AccessGroupMaxFiles:   10,
		AccessGroupMergeFiles: 4,
		AccessGroupMaxMemory:  8 << 20,

		BlockCacheMaxMemory: 256 << 20,

		CommitLogPruneThresholdMin: 4 << 20,
		CommitLogPruneThresholdMax: 64 << 20,

		ExistenceFile: "/hypertable/servers/rangeserver",
	}
}

// BindFlags registers every Config field on fs, one pflag per server
// knob rather than a nested config struct tag scheme.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "range server listen port")
	fs.StringVar(&c.BaseDir, "base-dir", c.BaseDir, "data root directory")
	fs.StringVar(&c.TablesDir, "tables-dir", c.TablesDir, "access group data directory")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "commit log directory")
	fs.Uint64Var(&c.CommitLogRollLimit, "commit-log.roll-limit", c.CommitLogRollLimit, "commit log fragment rotation size in bytes")
	fs.Uint64Var(&c.RangeSplitSize, "range.split-size", c.RangeSplitSize, "default range size threshold before a split is scheduled")
	fs.IntVar(&c.MaintenanceWorkers, "maintenance.workers", c.MaintenanceWorkers, "maintenance queue worker count")
	fs.DurationVar(&c.TimerInterval, "timer.interval", c.TimerInterval, "periodic maintenance tick interval")
	fs.DurationVar(&c.ScannerTTL, "scanner.ttl", c.ScannerTTL, "idle scanner expiry")
	fs.DurationVar(&c.ClockSkewMax, "clock-skew.max", c.ClockSkewMax, "max allowed skew between a range's latest_revision and the auto-assigned revision before CLOCK_SKEW")
	fs.IntVar(&c.AccessGroupMaxFiles, "access-group.max-files", c.AccessGroupMaxFiles, "cell store count before a merging compaction is preferred")
	fs.IntVar(&c.AccessGroupMergeFiles, "access-group.merge-files", c.AccessGroupMergeFiles, "stable file count a merging compaction collapses down to")
	fs.Uint64Var(&c.AccessGroupMaxMemory, "access-group.max-memory", c.AccessGroupMaxMemory, "per-access-group memtable size, in bytes, that triggers compaction")
	fs.Uint64Var(&c.BlockCacheMaxMemory, "block-cache.max-memory", c.BlockCacheMaxMemory, "shared block cache budget across access groups, in bytes")
	fs.Uint64Var(&c.CommitLogPruneThresholdMin, "commit-log.prune-threshold.min", c.CommitLogPruneThresholdMin, "floor on the log cleanup prune threshold, in bytes")
	fs.Uint64Var(&c.CommitLogPruneThresholdMax, "commit-log.prune-threshold.max", c.CommitLogPruneThresholdMax, "ceiling on the log cleanup prune threshold, in bytes")
	fs.StringVar(&c.ExistenceFile, "existence-file", c.ExistenceFile, "coordinator path locked exclusively at startup")
}

// Validate rejects configuration values known to be unsafe before the
// server is allowed to start.
func (c Config) Validate() error {
	if c.TimerInterval < time.Second {
		return rserr.New(rserr.CodeConfigBadValue, "timer.interval must be at least 1s, got %s", c.TimerInterval)
	}
	if c.ScannerTTL < 10*time.Second {
		return rserr.New(rserr.CodeConfigBadValue, "scanner.ttl must be at least 10s, got %s", c.ScannerTTL)
	}
	if c.MaintenanceWorkers < 1 {
		return rserr.New(rserr.CodeConfigBadValue, "maintenance.workers must be at least 1, got %d", c.MaintenanceWorkers)
	}
	if c.CommitLogRollLimit == 0 {
		return rserr.New(rserr.CodeConfigBadValue, "commit-log.roll-limit must be non-zero")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return rserr.New(rserr.CodeConfigBadValue, "port %d out of range", c.Port)
	}
	if c.ClockSkewMax <= 0 {
		return rserr.New(rserr.CodeConfigBadValue, "clock-skew.max must be positive, got %s", c.ClockSkewMax)
	}
	if c.AccessGroupMaxFiles < 1 {
		return rserr.New(rserr.CodeConfigBadValue, "access-group.max-files must be at least 1, got %d", c.AccessGroupMaxFiles)
	}
	if c.AccessGroupMergeFiles < 1 || c.AccessGroupMergeFiles > c.AccessGroupMaxFiles {
		return rserr.New(rserr.CodeConfigBadValue, "access-group.merge-files must be between 1 and max-files, got %d", c.AccessGroupMergeFiles)
	}
	if c.AccessGroupMaxMemory == 0 {
		return rserr.New(rserr.CodeConfigBadValue, "access-group.max-memory must be non-zero")
	}
	if c.BlockCacheMaxMemory == 0 {
		return rserr.New(rserr.CodeConfigBadValue, "block-cache.max-memory must be non-zero")
	}
	if c.CommitLogPruneThresholdMin == 0 || c.CommitLogPruneThresholdMin > c.CommitLogPruneThresholdMax {
		return rserr.New(rserr.CodeConfigBadValue,
			"commit-log.prune-threshold.min (%d) must be non-zero and at most prune-threshold.max (%d)",
			c.CommitLogPruneThresholdMin, c.CommitLogPruneThresholdMax)
	}
	return nil
}
