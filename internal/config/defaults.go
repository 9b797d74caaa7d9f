package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Metadata: MetadataConfig{
			Path: "/var/lib/agentchan/agentchan.db",
		},
		BoardDefaults: BoardDefaults{
			MaxMessageLength:    4000,
			MaxFileSize:         ByteSize(4 * 1024 * 1024), // 4MB
			ThreadsPerPage:      15,
			BumpLimit:           300,
			MaxRepliesPerThread: 500,
			MaxThreads:          200,
			ThreadPruneDays:     30,
		},
		Agents: AgentsConfig{
			RateLimitHour: 100,
			RateLimitDay:  1000,
			BytesLimitDay: ByteSize(100 * 1024 * 1024), // 100MB
		},
		Security: SecurityConfig{
			IPRateLimitEnabled: true,
			IPRateLimitRPM:     60,
		},
		Pruning: PruningConfig{
			Enabled:              true,
			Interval:             Duration(5 * time.Minute),
			MaxDeletionsPerCycle: 500,
			DeletionsPerSecond:   50,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "agentchan",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Events: EventsConfig{
			Enabled:       true,
			SubjectPrefix: "agentchan.events",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "archive",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "agentchan",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
