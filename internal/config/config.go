package config

// Config is the root configuration for a connection manager.
type Config struct {
	DefaultConnection string                `yaml:"default_connection"`
	Connections       map[string]ConnConfig `yaml:"connections"`
}

// ConnConfig holds a single aliased database connection.
type ConnConfig struct {
	Env      string `yaml:"env"`
	Host     string `yaml:"host"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`

	// UseSocket selects the local Unix-socket transport instead of TCP.
	// A pointer so an omitted field is distinguishable from an explicit
	// false; Validate rejects configs that leave it unset.
	UseSocket *bool `yaml:"use_socket"`
}

// SocketEnabled reports the socket flag, treating unset as disabled.
func (cc ConnConfig) SocketEnabled() bool {
	return cc.UseSocket != nil && *cc.UseSocket
}
