package config

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: "~/.local/share/vidforge",
			LogDir:  "~/.local/share/vidforge/logs",
			APIBind: "127.0.0.1:7749",
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Pipeline: Pipeline{
			QueuePollInterval:     2,
			ErrorRetryInterval:    5,
			HeartbeatInterval:     15,
			HeartbeatTimeout:      120,
			PerProjectConcurrency: 3,
			MaxQualityCycles:      2,
		},
		Scheduler: Scheduler{
			RetryMaxAttempts:   3,
			RetryBaseSeconds:   2,
			RetryCapSeconds:    60,
			ScriptWorkers:      1,
			StoryboardWorkers:  1,
			VideoWorkers:       2,
			VoiceWorkers:       2,
			MusicWorkers:       1,
			PostWorkers:        1,
			QualityWorkers:     1,
			RenderWorkers:      1,
			ScriptTimeout:      120,
			StoryboardTimeout:  120,
			VideoTimeout:       600,
			VoiceTimeout:       300,
			MusicTimeout:       300,
			PostTimeout:        300,
			QualityTimeout:     120,
			FinalRenderTimeout: 600,
		},
		Credits: Credits{
			ScriptGeneration:     5,
			StoryboardCreation:   10,
			VideoPerSecond:       4,
			VoicePerMinute:       12,
			MusicPerMinute:       8,
			PostProcessingOp:     15,
			QualityCheckOp:       2,
			FinalRenderPerSecond: 1,
		},
		Quality: Quality{
			PassThreshold:        0.7,
			MinFrameRate:         23.0,
			MaxFrameRate:         61.0,
			DurationTolerancePct: 5.0,
			MaxFrozenFrameRatio:  0.2,
			MinBrightness:        0.05,
			MaxBrightness:        0.95,
			MinSharpness:         0.3,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			ProjectEvents:  true,
			TaskFailures:   true,
			CreditEvents:   false,
		},
	}
}
