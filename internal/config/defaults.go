package config

// Queue backend identifiers.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

const (
	defaultDataDir             = "~/.local/share/conveyor"
	defaultLogDir              = "~/.local/share/conveyor/logs"
	defaultAPIBind             = "127.0.0.1:7610"
	defaultPollIntervalSeconds = 2
	defaultRedisStreamPrefix   = "conveyor"
	defaultRedisGroup          = "conveyor-workers"
	defaultBaseDelayMS         = 500
	defaultCapDelayMS          = 60_000
	defaultSubstrateRetryMS    = 250
	defaultRepoRetryAttempts   = 3
	defaultRepoRetryDelayMS    = 200
	defaultExtractionModel     = "po-extract-v2"
	defaultConfidenceFloor     = 0.35
	defaultExtractionTimeout   = 120
	defaultSyncTimeout         = 60
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Queue: Queue{
			Backend:             BackendSQLite,
			PollIntervalSeconds: defaultPollIntervalSeconds,
			Redis: Redis{
				Addr:         "localhost:6379",
				StreamPrefix: defaultRedisStreamPrefix,
				Group:        defaultRedisGroup,
			},
		},
		Stages: Stages{
			Parse:   StageSettings{Concurrency: 2, LeaseSeconds: 60, MaxAttempts: 3},
			Extract: StageSettings{Concurrency: 2, LeaseSeconds: 300, MaxAttempts: 3},
			Persist: StageSettings{Concurrency: 4, LeaseSeconds: 30, MaxAttempts: 5},
			Enrich:  StageSettings{Concurrency: 2, LeaseSeconds: 60, MaxAttempts: 3},
			Sync:    StageSettings{Concurrency: 2, LeaseSeconds: 120, MaxAttempts: 4},
		},
		Retry: Retry{
			BaseDelayMS:      defaultBaseDelayMS,
			CapDelayMS:       defaultCapDelayMS,
			SubstrateRetryMS: defaultSubstrateRetryMS,
		},
		Repository: Repository{
			RetryAttempts: defaultRepoRetryAttempts,
			RetryDelayMS:  defaultRepoRetryDelayMS,
		},
		Extraction: Extraction{
			Model:           defaultExtractionModel,
			ConfidenceFloor: defaultConfidenceFloor,
			TimeoutSeconds:  defaultExtractionTimeout,
		},
		Sync: Sync{
			TimeoutSeconds: defaultSyncTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
