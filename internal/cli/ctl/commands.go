// Package ctl provides the CLI commands that control a running ovpn-bridge
// daemon.
package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/ovpn-bridge/internal/api/client"
	"github.com/rennerdo30/ovpn-bridge/internal/bridge"
	"github.com/rennerdo30/ovpn-bridge/internal/openvpn"
)

// CallError is a failed bridge call.
type CallError struct {
	Method string
	Err    *bridge.Error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s failed: %s (%s): %s", e.Method, e.Err.Code, e.Err.LegacyCode, e.Err.Message)
	if e.Err.Details != "" {
		msg += " - " + e.Err.Details
	}
	return msg
}

// NewCommands creates the ctl command tree.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running ovpn-bridge daemon",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:7390", "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("OVPN_BRIDGE_TOKEN"), "API authentication token")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	newClient := func() *client.Client {
		c := client.New(apiURL, apiToken)
		c.HTTP.Timeout = timeout
		return c
	}

	simple := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCall(cmd, newClient(), method, nil)
			},
		}
	}

	initCmd := simple("initialize", "Create the VPN engine handle", bridge.MethodInitialize)
	disconnectCmd := simple("disconnect", "Stop the VPN session", bridge.MethodDisconnect)
	statusCmd := simple("status", "Show the raw engine status", bridge.MethodStatus)
	stageCmd := simple("stage", "Show the current connection stage", bridge.MethodStage)
	permissionCmd := simple("request-permission", "Check or request the VPN capability", bridge.MethodRequestPermission)

	// Connect command
	var profile, name, username, password string
	var passwordStdin, remember bool
	var bypass []string
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Start a VPN session from an .ovpn profile",
		Long: `Start a VPN session from an .ovpn profile.

Prints true when the session was started and false when the host still has
to grant the VPN capability ("ovpn-bridge ctl grant").

Example:
  ovpn-bridge ctl connect --profile work.ovpn --username alice --password-stdin
  ovpn-bridge ctl connect --profile home.ovpn --bypass 192.168.0.0/16 --bypass 10.0.0.0/8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(profile)
			if err != nil {
				return fmt.Errorf("read profile: %w", err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(profile), filepath.Ext(profile))
			}
			if passwordStdin {
				pw, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = pw
			}

			callArgs := map[string]any{
				"config": string(data),
				"name":   name,
			}
			if username != "" {
				callArgs["username"] = username
			}
			if password != "" {
				callArgs["password"] = password
			}
			if len(bypass) > 0 {
				callArgs["bypass_packages"] = bypass
			}
			if remember {
				callArgs["remember"] = true
			}
			return runCall(cmd, newClient(), bridge.MethodConnect, callArgs)
		},
	}
	connectCmd.Flags().StringVarP(&profile, "profile", "p", "", "Path to the .ovpn profile (required)")
	connectCmd.Flags().StringVarP(&name, "name", "n", "", "Session name (defaults to the profile file name)")
	connectCmd.Flags().StringVarP(&username, "username", "u", "", "Username for auth-user-pass profiles")
	connectCmd.Flags().StringVar(&password, "password", "", "Password for auth-user-pass profiles")
	connectCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	connectCmd.Flags().BoolVar(&remember, "remember", false, "Store the password in the daemon's keyring")
	connectCmd.Flags().StringSliceVar(&bypass, "bypass", nil, "Addresses or CIDRs routed outside the tunnel")
	_ = connectCmd.MarkFlagRequired("profile") //nolint:errcheck // Flag registration only fails on invalid flag name

	// Permission resolution
	resolve := func(use, short string, granted bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				st, err := newClient().ResolvePermission(ctx, granted)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted: %v\n", st.Granted)
				if !st.Privileged {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: daemon lacks CAP_NET_ADMIN")
				}
				return nil
			},
		}
	}
	grantCmd := resolve("grant", "Grant the pending VPN capability request", true)
	denyCmd := resolve("deny", "Deny the pending VPN capability request", false)

	// Watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream stage changes until interrupted",
		Long: `Stream stage changes until interrupted.

Only one watcher is served at a time; starting a new one ends the previous stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err := newClient().Watch(ctx, func(stage string) {
				fmt.Fprintf(out, "%s\t%s\n", time.Now().Format(time.RFC3339), stage)
			})
			switch {
			case errors.Is(err, client.ErrEndOfStream):
				fmt.Fprintln(out, "end of stream")
				return nil
			case errors.Is(err, context.Canceled):
				return nil
			}
			return err
		},
	}

	// History command
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent stage transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			entries, err := newClient().History(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSTAGE\tATTEMPT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.At.Local().Format(time.RFC3339), e.Stage, e.AttemptID)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of entries")

	// Traffic command
	trafficCmd := &cobra.Command{
		Use:   "traffic",
		Short: "Show session byte counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			t, err := newClient().Traffic(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Attempt:   %s\n", t.AttemptID)
			fmt.Fprintf(out, "Bytes in:  %d\n", t.BytesIn)
			fmt.Fprintf(out, "Bytes out: %d\n", t.BytesOut)
			if !t.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "Updated:   %s\n", t.UpdatedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			h, err := newClient().Health(ctx)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(h, "", "  ") //nolint:errcheck // Error only on cycle which won't happen
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	root.AddCommand(initCmd, connectCmd, disconnectCmd, statusCmd, stageCmd, permissionCmd,
		grantCmd, denyCmd, watchCmd, historyCmd, trafficCmd, healthCmd, newLintCommand())
	return root
}

// runCall invokes method and prints its value.
func runCall(cmd *cobra.Command, c *client.Client, method string, args map[string]any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.HTTP.Timeout)
	defer cancel()

	res, err := c.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if res.NotImplemented {
		return fmt.Errorf("%s: not implemented by daemon", method)
	}
	if res.Error != nil {
		return &CallError{Method: method, Err: res.Error}
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Value)
	return nil
}

func readPassword(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(string(data), "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}

// newLintCommand checks a profile locally without contacting the daemon.
func newLintCommand() *cobra.Command {
	var resolve bool
	var upstreams []string
	var bypass []string

	cmd := &cobra.Command{
		Use:   "lint [profile]",
		Short: "Check an .ovpn profile",
		Long: `Check an .ovpn profile for problems before connecting.

With --resolve every remote host is looked up, through --dns servers when
given or the system resolver configuration otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := openvpn.ParseConfigFile(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Remote:   %s\n", cfg.PrimaryRemote())
			fmt.Fprintf(out, "Protocol: %s\n", cfg.Protocol)
			fmt.Fprintf(out, "Device:   %s\n", cfg.Dev)
			if cfg.AuthUserPass {
				fmt.Fprintln(out, "Auth:     username/password required")
			}
			if len(cfg.Inline) > 0 {
				fmt.Fprintf(out, "Inline:   %s\n", strings.Join(cfg.Inline, ", "))
			}

			warnings := cfg.Lint()
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}

			if len(bypass) > 0 {
				plan, err := openvpn.PlanBypass(bypass)
				if err != nil {
					return fmt.Errorf("bypass: %w", err)
				}
				for _, p := range plan.Prefixes {
					fmt.Fprintf(out, "bypass route: %s\n", p)
				}
				for _, s := range plan.Skipped {
					fmt.Fprintf(out, "bypass skipped: %s\n", s)
				}
			}

			if resolve {
				ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
				defer cancel()
				results, err := openvpn.ResolveRemotes(ctx, cfg, upstreams)
				if err != nil {
					return fmt.Errorf("resolve remotes: %w", err)
				}
				failed := 0
				for _, r := range results {
					if r.Err != nil {
						failed++
						fmt.Fprintf(out, "resolve %s: %v\n", r.Remote.Host, r.Err)
						continue
					}
					addrs := make([]string, len(r.Addrs))
					for i, a := range r.Addrs {
						addrs[i] = a.String()
					}
					fmt.Fprintf(out, "resolve %s: %s\n", r.Remote.Host, strings.Join(addrs, ", "))
				}
				if failed == len(results) && failed > 0 {
					return fmt.Errorf("no remote could be resolved")
				}
			}

			if len(warnings) == 0 {
				fmt.Fprintln(out, "Profile looks good")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "Resolve remote hosts")
	cmd.Flags().StringSliceVar(&upstreams, "dns", nil, "DNS servers used with --resolve")
	cmd.Flags().StringSliceVar(&bypass, "bypass", nil, "Preview bypass routes for these entries")
	return cmd
}
