// Package openvpn implements the VPN engine on top of the openvpn binary and
// its management interface, plus helpers for inspecting .ovpn profiles.
package openvpn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is the parsed form of an .ovpn profile.
type Config struct {
	Remote   []RemoteServer
	Protocol string // udp, tcp
	Port     int
	Dev      string // tun, tap
	Cipher   string
	Auth     string
	TLSAuth  string
	CA       string
	Cert     string
	Key      string
	Compress string
	Verb     int

	Management ManagementConfig

	// AuthUserPass is set when the profile asks for username/password
	// authentication. AuthFile is its optional file argument.
	AuthUserPass bool
	AuthFile     string

	// Inline lists the names of embedded <tag> blocks in order.
	Inline []string
}

// RemoteServer is one remote line.
type RemoteServer struct {
	Host     string
	Port     int
	Protocol string
}

// ManagementConfig is the profile's own management directive, if any.
type ManagementConfig struct {
	Address  string
	Port     int
	Password string
}

// ParseConfig parses an .ovpn profile held in memory.
func ParseConfig(blob string) (*Config, error) {
	return parse(strings.NewReader(blob))
}

// ParseConfigFile parses an .ovpn profile on disk.
func ParseConfigFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()
	return parse(file)
}

func parse(r io.Reader) (*Config, error) {
	config := &Config{
		Protocol: "udp",
		Dev:      "tun",
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	inline := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if inline != "" {
			if strings.EqualFold(line, "</"+inline+">") {
				inline = ""
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if tag, ok := openingTag(line); ok {
			inline = tag
			config.Inline = append(config.Inline, tag)
			config.setInline(tag)
			continue
		}

		parts := strings.Fields(line)
		directive := strings.ToLower(parts[0])
		args := parts[1:]
		config.apply(directive, args)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	if inline != "" {
		return nil, fmt.Errorf("unterminated inline block <%s>", inline)
	}

	return config, nil
}

func openingTag(line string) (string, bool) {
	if len(line) < 3 || line[0] != '<' || line[1] == '/' || line[len(line)-1] != '>' {
		return "", false
	}
	return strings.ToLower(line[1 : len(line)-1]), true
}

func (c *Config) setInline(tag string) {
	switch tag {
	case "ca":
		c.CA = "[inline]"
	case "cert":
		c.Cert = "[inline]"
	case "key":
		c.Key = "[inline]"
	case "tls-auth", "tls-crypt":
		c.TLSAuth = "[inline]"
	case "auth-user-pass":
		c.AuthUserPass = true
		c.AuthFile = "[inline]"
	}
}

func (c *Config) apply(directive string, args []string) {
	first := ""
	if len(args) > 0 {
		first = args[0]
	}

	switch directive {
	case "remote":
		if first == "" {
			return
		}
		remote := RemoteServer{Host: first, Port: 1194, Protocol: c.Protocol}
		if c.Port != 0 {
			remote.Port = c.Port
		}
		if len(args) >= 2 {
			if port, err := strconv.Atoi(args[1]); err == nil {
				remote.Port = port
			}
		}
		if len(args) >= 3 {
			remote.Protocol = args[2]
		}
		c.Remote = append(c.Remote, remote)
	case "proto":
		if first != "" {
			c.Protocol = first
		}
	case "port":
		if port, err := strconv.Atoi(first); err == nil {
			c.Port = port
		}
	case "dev":
		if first != "" {
			c.Dev = first
		}
	case "cipher":
		c.Cipher = first
	case "auth":
		c.Auth = first
	case "tls-auth", "tls-crypt":
		c.TLSAuth = first
	case "ca":
		c.CA = first
	case "cert":
		c.Cert = first
	case "key":
		c.Key = first
	case "compress":
		if first != "" {
			c.Compress = first
		} else {
			c.Compress = "lzo"
		}
	case "comp-lzo":
		c.Compress = "lzo"
	case "verb":
		if verb, err := strconv.Atoi(first); err == nil {
			c.Verb = verb
		}
	case "management":
		if len(args) >= 2 {
			c.Management.Address = args[0]
			if port, err := strconv.Atoi(args[1]); err == nil {
				c.Management.Port = port
			}
			if len(args) >= 3 {
				c.Management.Password = args[2]
			}
		}
	case "auth-user-pass":
		c.AuthUserPass = true
		c.AuthFile = first
	}
}

// PrimaryRemote returns host:port of the first remote, or "" if none.
func (c *Config) PrimaryRemote() string {
	if len(c.Remote) == 0 {
		return ""
	}
	r := c.Remote[0]
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Lint returns human-readable problems that would keep the profile from
// working under the bridge. An empty result means no problems were found.
func (c *Config) Lint() []string {
	var problems []string
	if len(c.Remote) == 0 {
		problems = append(problems, "no remote directive")
	}
	switch strings.ToLower(c.Dev) {
	case "", "tun", "tap":
	default:
		if !strings.HasPrefix(c.Dev, "tun") && !strings.HasPrefix(c.Dev, "tap") {
			problems = append(problems, fmt.Sprintf("unsupported dev %q", c.Dev))
		}
	}
	for _, r := range c.Remote {
		if r.Port <= 0 || r.Port > 65535 {
			problems = append(problems, fmt.Sprintf("remote %s has invalid port %d", r.Host, r.Port))
		}
		switch strings.ToLower(r.Protocol) {
		case "udp", "tcp", "udp4", "udp6", "tcp4", "tcp6", "tcp-client", "tcp4-client", "tcp6-client":
		default:
			problems = append(problems, fmt.Sprintf("remote %s has unknown protocol %q", r.Host, r.Protocol))
		}
	}
	if c.Management.Port != 0 {
		problems = append(problems, "profile sets its own management interface; it will be overridden")
	}
	return problems
}
