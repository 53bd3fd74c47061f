package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			DefaultWindowSize:     10,
			Timezone:              "UTC",
			MaxConcurrentMessages: 5,
			BusBuffer:             100,
		},
		Store: StoreConfig{
			DBPath: "~/.grove/grove.db",
		},
		Providers: map[string]ProviderConfig{
			"openrouter": {
				Enabled: true,
				APIBase: "https://openrouter.ai/api/v1",
				APIKey:  "${OPENROUTER_API_KEY}",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Enabled: false,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Handlers: HandlersConfig{
			Dir: "~/.grove/handlers",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9090,
			Endpoint: "/metrics",
		},
	}
}
