// Package cli wires the agent into cobra commands (run/status/leave).
package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgha/cpgagent/pkg/agent"
	"github.com/pgha/cpgagent/pkg/bootstrap"
	"github.com/pgha/cpgagent/pkg/internal/logutil"
	"github.com/pgha/cpgagent/pkg/mgmt"
	mgmtgrpc "github.com/pgha/cpgagent/pkg/mgmt/grpc"
	httpjson "github.com/pgha/cpgagent/pkg/mgmt/httpjson"
	tracing "github.com/pgha/cpgagent/pkg/observability/tracing"
	tlsx "github.com/pgha/cpgagent/pkg/security/tlsconfig"
)

// NewRootCmd returns the top-level command with run/status/leave attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cpgagent",
		Short:        "closed process group agent for PostgreSQL nodes",
		SilenceUsage: true,
	}
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewLeaveCmd())
	return root
}

// NewRunCmd returns the "run" command used to start the agent.
func NewRunCmd() *cobra.Command {
	var (
		nodeName, groupName, bind, adv, joinCSV, mgmtAddr, mgmtProto string
		discoveryKind, dnsNames, filePath, fileEnv                   string
		dnsPort, parentPID                                           int
		discRefresh                                                  time.Duration
		configPath, pgConn, publishConninfo                          string
		tlsEnable, tlsSkip, traceEnable, logJSON, debug              bool
		tlsCA, tlsCert, tlsKey, tlsServerName                        string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the group and run the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pgConn == "" {
				return fmt.Errorf("missing --pgconn")
			}
			logutil.SetJSON(logJSON)
			logutil.SetDebug(debug)
			logger := log.Default()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					logutil.Warnf(logger, "tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				NodeName:        nodeName,
				GroupName:       groupName,
				Bind:            bind,
				Advertise:       adv,
				MgmtAddr:        mgmtAddr,
				MgmtProto:       mgmtProto,
				DiscoveryKind:   discoveryKind,
				SeedsCSV:        joinCSV,
				DNSNamesCSV:     dnsNames,
				DNSPort:         dnsPort,
				DiscRefresh:     discRefresh,
				FilePath:        filePath,
				FileEnv:         fileEnv,
				PGConn:          pgConn,
				PublishConninfo: publishConninfo,
				ConfigPath:      configPath,
				ParentPID:       parentPID,
				TLSEnable:       tlsEnable,
				TLSCA:           tlsCA,
				TLSCert:         tlsCert,
				TLSKey:          tlsKey,
				TLSServerName:   tlsServerName,
				TLSSkipVerify:   tlsSkip,
				Logger:          logger,
			}
			err := bootstrap.Run(cmd.Context(), cfg)
			if errors.Is(err, agent.ErrEvicted) || errors.Is(err, agent.ErrParentDied) {
				logutil.Errorf(logger, "%v", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&nodeName, "node-name", "", "member name within the group (default <hostname>-<pid>)")
	cmd.Flags().StringVar(&groupName, "group", "", "closed process group name (default pgsql_group)")
	cmd.Flags().StringVar(&bind, "bind", ":7946", "gossip bind addr (host:port)")
	cmd.Flags().StringVar(&adv, "advertise", "", "gossip advertise addr (host:port, optional)")
	cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed nodes (host:port) — used by discovery=static")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from gossip port")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|dns|file")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _cpg._tcp.example.com)")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path to a file with seeds (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the reloadable options file (SIGHUP re-reads it)")
	cmd.Flags().StringVar(&pgConn, "pgconn", "", "conninfo of the local PostgreSQL instance (required)")
	cmd.Flags().StringVar(&publishConninfo, "publish-conninfo", "", "conninfo broadcast to standbys while this node is primary")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "exit when this process disappears (0 disables)")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the management transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON lines")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging (heartbeats, dispatch detail)")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr, mgmtProto string
		timeout         time.Duration
		tlsFlags        clientTLSFlags
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch agent status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(mgmtProto, timeout, tlsFlags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tlsFlags.register(cmd)
	return cmd
}

// NewLeaveCmd returns the "leave" command: an administrative graceful exit,
// equivalent to sending the agent SIGTERM.
func NewLeaveCmd() *cobra.Command {
	var (
		addr, mgmtProto string
		timeout         time.Duration
		tlsFlags        clientTLSFlags
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Ask an agent to leave the group gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(mgmtProto, timeout, tlsFlags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := client.PostLeave(ctx, addr)
			if err != nil {
				return fmt.Errorf("leave error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tlsFlags.register(cmd)
	return cmd
}

type clientTLSFlags struct {
	enable, skip                  bool
	ca, cert, key, serverNameFlag string
}

func (f *clientTLSFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable mTLS for the management transport")
	cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&f.key, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&f.serverNameFlag, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f clientTLSFlags) config() (*tls.Config, error) {
	if !f.enable {
		return nil, nil
	}
	topts := tlsx.Options{
		Enable:             true,
		CAFile:             f.ca,
		CertFile:           f.cert,
		KeyFile:            f.key,
		InsecureSkipVerify: f.skip,
		ServerName:         f.serverNameFlag,
	}
	return topts.Client()
}

func buildClient(proto string, timeout time.Duration, tf clientTLSFlags) (mgmt.Client, error) {
	cliTLS, err := tf.config()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	switch proto {
	case "grpc":
		c := mgmtgrpc.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	default:
		c := httpjson.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	}
}
