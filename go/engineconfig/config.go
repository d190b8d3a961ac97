// Package engineconfig holds the recognized configuration options of the
// instance engine. Loading these from flags, environment, or a config
// file is an external CLI/daemon-bootstrap concern and out of scope; this
// package only defines the struct and its defaults.
package engineconfig

import "time"

// Config collects every option the instance engine recognizes.
type Config struct {
	// InstanceLimit is the max number of live instances per task.
	InstanceLimit int

	// BatchFlushInterval is the SinkPipeline flush period.
	BatchFlushInterval time.Duration

	// SaveOffsetInterval is the AckTracker checkpoint period. Default 1s.
	SaveOffsetInterval time.Duration

	// CoreThreadSleep is how long an Instance worker sleeps when idle.
	// Default 1s.
	CoreThreadSleep time.Duration

	// CheckFinishAtLeastCount is the number of consecutive empty+finished
	// probes required before an Instance emits FINISH. Default 5.
	CheckFinishAtLeastCount int

	// InstanceDBCleanInterval is the period between InstanceManager expiry
	// sweeps. Default 10s.
	InstanceDBCleanInterval time.Duration

	// DBInstanceExpireCycleCount is the expiry threshold, expressed as a
	// multiple of the task's cycle unit. Default 3.
	DBInstanceExpireCycleCount int

	// CleanInstanceOnceLimit bounds how many expired profiles a single
	// expiry sweep deletes. Default 10.
	CleanInstanceOnceLimit int

	// AgentGlobalWriterPermitBytes is the capacity of the shared
	// AGENT_GLOBAL_WRITER_PERMIT memory pool all sinks draw from.
	AgentGlobalWriterPermitBytes int64

	// FieldSplitter is the default byte sequence used by the stream-id
	// extractor when a profile does not specify its own.
	FieldSplitter string

	// ActionBusCapacity bounds the supervisor's action queue. Default 100.
	ActionBusCapacity int

	// CoreThreadSleepTime is the InstanceManager main-loop tick period.
	// Default 1s. Distinct from CoreThreadSleep, which paces Instance
	// workers; kept separate since the manager loop and an instance
	// worker's idle sleep are independently tunable even though both
	// default to one second.
	CoreThreadSleepTime time.Duration
}

// DefaultConfig returns the documented engine defaults.
func DefaultConfig() Config {
	return Config{
		InstanceLimit:                256,
		BatchFlushInterval:           time.Second,
		SaveOffsetInterval:           time.Second,
		CoreThreadSleep:              time.Second,
		CheckFinishAtLeastCount:      5,
		InstanceDBCleanInterval:      10 * time.Second,
		DBInstanceExpireCycleCount:   3,
		CleanInstanceOnceLimit:       10,
		AgentGlobalWriterPermitBytes: 256 << 20, // 256MiB
		FieldSplitter:                "|",
		ActionBusCapacity:            100,
		CoreThreadSleepTime:          time.Second,
	}
}
