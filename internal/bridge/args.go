package bridge

import (
	"fmt"

	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

// decodeConnect builds a SessionConfig from connect arguments. Arguments of
// the wrong type are treated as absent and reported in problems, so a
// malformed config ends up as an empty blob and the controller's own
// precondition order still decides the error.
func decodeConnect(args map[string]any) (cfg session.SessionConfig, remember bool, problems []string) {
	str := func(key string) string {
		v, ok := args[key]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			problems = append(problems, fmt.Sprintf("argument %q must be a string", key))
			return ""
		}
		return s
	}

	cfg.ConfigBlob = str("config")
	cfg.Name = str("name")
	cfg.Username = str("username")
	cfg.Password = str("password")

	list, ok := stringsArg(args, "bypass_packages")
	if !ok {
		problems = append(problems, `argument "bypass_packages" must be a list of strings`)
	}
	cfg.BypassPackages = list

	if v, present := args["remember"]; present && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			problems = append(problems, `argument "remember" must be a boolean`)
		}
		remember = b
	}
	return cfg, remember, problems
}

func stringsArg(args map[string]any, key string) ([]string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, true
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
