package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.DefaultConnection == "" {
		return errors.New("default_connection is required")
	}
	if len(c.Connections) == 0 {
		return errors.New("at least one connection is required")
	}
	if _, ok := c.Connections[c.DefaultConnection]; !ok {
		return fmt.Errorf("default_connection %q is not a configured alias", c.DefaultConnection)
	}

	for alias, cc := range c.Connections {
		if err := cc.validate("connections." + alias); err != nil {
			return err
		}
	}

	return nil
}

func (cc *ConnConfig) validate(prefix string) error {
	if cc.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if cc.Database == "" {
		return fmt.Errorf("%s.database is required", prefix)
	}
	if cc.Username == "" {
		return fmt.Errorf("%s.username is required", prefix)
	}
	if cc.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if cc.Port < 1 || cc.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, cc.Port)
	}
	if cc.UseSocket == nil {
		return fmt.Errorf("%s.use_socket must be set explicitly", prefix)
	}
	return nil
}
