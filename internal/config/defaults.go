package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			URL:            "http://localhost:9080",
			Access:         "read",
			Version:        "latest",
			LeaseTimeout:   Duration(10 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			MaxURLLength:   2000,
		},
		Sessions: SessionsConfig{
			GCInterval: Duration(time.Minute),
		},
		Export: ExportConfig{
			Resolution: [3]int{1, 1, 1},
			Version:    "latest",
			BatchSize:  256,
		},
		Notify: NotifyConfig{
			SubjectPrefix:  "hpcds",
			ConnectionName: "hpcds",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
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
