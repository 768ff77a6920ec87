// Package bootstrap assembles an agent node from high-level inputs with
// sensible defaults. Applications embed the agent by providing the Config
// structure and calling Build/Run.
package bootstrap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pgha/cpgagent/pkg/agent"
	cfgpkg "github.com/pgha/cpgagent/pkg/config"
	"github.com/pgha/cpgagent/pkg/discovery"
	dDNS "github.com/pgha/cpgagent/pkg/discovery/dns"
	dFile "github.com/pgha/cpgagent/pkg/discovery/file"
	dStatic "github.com/pgha/cpgagent/pkg/discovery/static"
	"github.com/pgha/cpgagent/pkg/group"
	ml "github.com/pgha/cpgagent/pkg/group/memberlist"
	"github.com/pgha/cpgagent/pkg/host"
	"github.com/pgha/cpgagent/pkg/internal/logutil"
	"github.com/pgha/cpgagent/pkg/mgmt"
	mgmtgrpc "github.com/pgha/cpgagent/pkg/mgmt/grpc"
	httpjson "github.com/pgha/cpgagent/pkg/mgmt/httpjson"
	"github.com/pgha/cpgagent/pkg/pgrole"
	tlsx "github.com/pgha/cpgagent/pkg/security/tlsconfig"
)

// Config defines high-level inputs to assemble an agent node.
type Config struct {
	// Identity and addresses
	NodeName  string // member name within the group; "<hostname>-<pid>" when empty
	GroupName string // closed process group name (default "pgsql_group")
	Bind      string // gossip bind host:port
	Advertise string // optional advertise host:port

	// Management API (status/leave/metrics)
	MgmtAddr  string // host:port for management API (HTTP or gRPC)
	MgmtProto string // "http" (default) or "grpc"

	// Discovery settings
	DiscoveryKind string        // "static" (default), "dns", or "file"
	SeedsCSV      string        // used when DiscoveryKind=static
	DNSNamesCSV   string        // used when kind=dns
	DNSPort       int           // used when kind=dns (A/AAAA)
	DiscRefresh   time.Duration // cache/refresh duration for discovery
	FilePath      string        // used when kind=file
	FileEnv       string        // used when kind=file

	// Database
	PGConn          string // conninfo for the local role checks (required)
	PublishConninfo string // conninfo broadcast to standbys while primary; empty disables

	// ConfigPath points at the reloadable options file; empty means defaults.
	ConfigPath string

	// ParentPID makes the agent exit when the given process disappears.
	// Zero disables the watch.
	ParentPID int

	// TLS (optional) for the management API
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

// Node bundles the assembled agent with its management server and host hooks
// for lifecycle control.
type Node struct {
	Agent *agent.Agent

	cfg     Config
	mgmtSrv mgmt.Server
	signals *host.Signals
	latch   *host.Latch
	db      *pgrole.DB
	logger  *log.Logger
}

// Build assembles a Node from Config without joining the group or serving
// the management API. The database connection is opened here so that a bad
// conninfo fails fast.
func Build(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.PGConn == "" {
		return nil, fmt.Errorf("bootstrap: missing database conninfo")
	}

	opts, err := cfgpkg.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := pgrole.Connect(ctx, cfg.PGConn)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database: %w", err)
	}

	disc := buildDiscovery(cfg)

	latch := host.NewLatch()
	signals := host.InstallSignals(latch, cfg.Logger)

	var parent <-chan struct{}
	if cfg.ParentPID > 0 {
		parent = host.WatchParent(cfg.ParentPID, time.Second)
	}

	open := func(cbs group.Callbacks) (group.Session, error) {
		return ml.Open(ml.Options{
			Group:     cfg.GroupName,
			NodeName:  cfg.NodeName,
			Bind:      cfg.Bind,
			Advertise: cfg.Advertise,
			Seeds:     disc.Seeds(),
			MgmtAddr:  cfg.MgmtAddr,
			Logger:    cfg.Logger,
		}, cbs)
	}

	a, err := agent.New(agent.Options{
		OpenSession: open,
		Role:        db,
		Applier:     db,
		Conninfo:    cfg.PublishConninfo,
		Config:      opts,
		Latch:       latch,
		Signals:     signals,
		Parent:      parent,
		GroupName:   cfg.GroupName,
		Logger:      cfg.Logger,
	})
	if err != nil {
		signals.Stop()
		db.Close()
		return nil, err
	}

	n := &Node{
		Agent:   a,
		cfg:     cfg,
		signals: signals,
		latch:   latch,
		db:      db,
		logger:  cfg.Logger,
	}
	if cfg.MgmtAddr != "" {
		srv, err := buildMgmtServer(cfg)
		if err != nil {
			signals.Stop()
			db.Close()
			return nil, err
		}
		n.mgmtSrv = srv
	}
	return n, nil
}

// Run builds the node and drives it until the agent loop exits. The
// management server lives for the duration of the loop.
func Run(ctx context.Context, cfg Config) error {
	n, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

// Run serves the management API, runs the agent loop and tears everything
// down when the loop returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.signals.Stop()
	defer n.db.Close()

	if n.mgmtSrv != nil {
		status := func(ctx context.Context) ([]byte, error) {
			return json.Marshal(n.Agent.Status())
		}
		leave := func(ctx context.Context) error {
			// Same path as SIGTERM: flag plus latch, the loop notices on
			// its next iteration.
			n.signals.RequestTermination()
			return nil
		}
		if err := n.mgmtSrv.Start(ctx, status, leave); err != nil {
			return fmt.Errorf("bootstrap: management server: %w", err)
		}
		logutil.Infof(n.logger, "management API listening on %s", n.mgmtSrv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = n.mgmtSrv.Stop(sctx)
		}()
	}

	return n.Agent.Run(ctx)
}

// MgmtAddr reports the bound management address, useful when the configured
// port was 0.
func (n *Node) MgmtAddr() string {
	if n.mgmtSrv == nil {
		return ""
	}
	return n.mgmtSrv.Addr()
}

func buildDiscovery(cfg Config) discovery.Discovery {
	switch cfg.DiscoveryKind {
	case "dns":
		opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dFile.New(opts)
	default:
		return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	}
}

func buildMgmtServer(cfg Config) (mgmt.Server, error) {
	var srvTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
		}
		// Hot-reload config so rotated certificates are picked up from disk.
		s, err := topts.ServerHotReload()
		if err != nil {
			return nil, err
		}
		srvTLS = s
	}
	switch cfg.MgmtProto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		return s, nil
	default:
		s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		return s, nil
	}
}
