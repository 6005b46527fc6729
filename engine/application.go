package engine

type ApplicationConfig struct {
	// The application name used in log lines and by the host.
	Name string `toml:"name"`
	// Starting width of the back buffers.
	StartWidth uint32 `toml:"width"`
	// Starting height of the back buffers.
	StartHeight uint32 `toml:"height"`
	// One of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}
