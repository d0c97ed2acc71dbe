package config

// Default values for optional configuration fields.
const (
	DefaultPort = 3306
)

func (c *Config) applyDefaults() {
	for alias, cc := range c.Connections {
		if cc.Port == 0 {
			cc.Port = DefaultPort
			c.Connections[alias] = cc
		}
	}
}
