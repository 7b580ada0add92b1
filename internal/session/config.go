package session

// SessionConfig describes one connect attempt. Empty Username and Password
// mean "not provided".
type SessionConfig struct {
	ConfigBlob     string
	Username       string
	Password       string
	Name           string
	BypassPackages []string
}

// clone returns a copy that does not share the bypass slice with the caller.
func (c SessionConfig) clone() SessionConfig {
	if c.BypassPackages != nil {
		c.BypassPackages = append([]string(nil), c.BypassPackages...)
	}
	return c
}

// Validate reports ErrInvalidConfig for an empty configuration blob.
func (c SessionConfig) Validate() error {
	if c.ConfigBlob == "" {
		return ErrInvalidConfig
	}
	return nil
}
