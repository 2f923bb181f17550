package eventbus

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Settings selects and configures the bus backend.
type Settings struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	// Buffer is the per-subscription output buffer of the in-memory backend.
	Buffer int64         `yaml:"buffer" env:"BUFFER"`
	Redis  RedisSettings `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisSettings holds Redis Streams transport configuration.
type RedisSettings struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
}

func DefaultSettings() Settings {
	return Settings{
		Backend: BackendMemory,
		Buffer:  64,
		Redis: RedisSettings{
			Addr:     "localhost:6379",
			Group:    "chatwidget",
			Consumer: "widget-1",
		},
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Backend == "" {
		s.Backend = d.Backend
	}
	if s.Buffer <= 0 {
		s.Buffer = d.Buffer
	}
	if s.Redis.Addr == "" {
		s.Redis.Addr = d.Redis.Addr
	}
	if s.Redis.Group == "" {
		s.Redis.Group = d.Redis.Group
	}
	if s.Redis.Consumer == "" {
		s.Redis.Consumer = d.Redis.Consumer
	}
	return s
}
