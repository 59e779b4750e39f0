package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "taskmesh",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:    30 * time.Second,
				WriteTimeout:   30 * time.Second,
				IdleTimeout:    120 * time.Second,
				MaxHeaderBytes: 1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			Type: "redis",
			Redis: RedisConfig{
				Address:      "localhost:6379",
				Password:     "",
				DB:           0,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
			},
			ResultRetention: 24 * time.Hour,
		},
		Router: RouterConfig{
			RejectThreshold:    1000,
			DefaultTaskTimeout: 5 * time.Minute,
			AppendRetries:      3,
			DefaultTenant: TenantConfig{
				MaxPriority: "high",
				SubmitRate:  50,
				Burst:       100,
			},
		},
		Pools: PoolsConfig{
			"reasoning": defaultPool(2, 16),
			"codegen":   defaultPool(2, 16),
			"ml":        defaultPool(1, 8),
			"sandbox":   defaultPool(1, 8),
		},
		Autoscaler: AutoscalerConfig{
			Enabled:       true,
			Interval:      15 * time.Second,
			UpThreshold:   0.75,
			DownThreshold: 0.30,
			K:             3,
			KDown:         5,
			Cooldown:      60 * time.Second,
			Step:          1,
		},
		Recovery: RecoveryConfig{
			ScanInterval: 10 * time.Second,
			IdleReclaim:  60 * time.Second,
			MaxAttempts:  5,
		},
		Sandbox: SandboxConfig{
			ImageAllowlist:  nil,
			EgressAllowlist: nil,
			Grace:           2 * time.Second,
			Defaults: SandboxLimitConfig{
				CPUCores:       1,
				MemoryBytes:    512 * 1024 * 1024,
				Wallclock:      2 * time.Minute,
				Pids:           256,
				TmpfsBytes:     64 * 1024 * 1024,
				OutputBytesCap: 1024 * 1024,
			},
		},
		Saga: SagaConfig{
			StepTimeout:       2 * time.Minute,
			CompensateRetries: 3,
			IdempotencyWindow: 24 * time.Hour,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}

func defaultPool(initial, max int) PoolConfig {
	return PoolConfig{
		Min:               1,
		Max:               max,
		Initial:           initial,
		HeartbeatInterval: 5 * time.Second,
		Grace:             2 * time.Second,
		MaxPreempts:       2,
		FairnessN:         16,
		PollInterval:      200 * time.Millisecond,
	}
}
