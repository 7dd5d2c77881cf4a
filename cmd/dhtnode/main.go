// dhtnode is the example driver for the DHT library: a standalone daemon
// that binds a UDP socket, runs the node core/manager/tunnel stack, and
// exits cleanly on SIGINT/SIGTERM. Flag handling is grounded on
// ethereumproject-go-ethereum/cmd/geth/main.go's use of
// gopkg.in/urfave/cli.v1 for a long-running daemon's CLI surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/manager"
	"github.com/dhtkit/dhtkit/internal/dht/node"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/internal/dht/transport"
	"github.com/dhtkit/dhtkit/internal/dhtconfig"
	"github.com/dhtkit/dhtkit/internal/tunnel"
	"github.com/dhtkit/dhtkit/pkg/kadid"
	"github.com/dhtkit/dhtkit/pkg/retry"
	"github.com/dhtkit/dhtkit/pkg/utils/logging"
	"github.com/sirupsen/logrus"
	cli "gopkg.in/urfave/cli.v1"
)

const (
	minPort = 1001
	maxPort = 16000
)

func main() {
	app := cli.NewApp()
	app.Name = "dhtnode"
	app.Usage = "run a standalone DHT node"
	app.Action = run

	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port, p", Value: 6775, Usage: "UDP bind port"},
		cli.StringFlag{Name: "bootstrap, b", Usage: "bootstrap file path"},
		cli.StringFlag{Name: "uid, u", Usage: "override local NodeId (up to 20 bytes)"},
		cli.IntFlag{Name: "lookups, q", Value: 0, Usage: "issue n random lookups after start"},
		cli.DurationFlag{Name: "cycle-dht, r", Usage: "cycle start/stop DHT at this interval"},
		cli.DurationFlag{Name: "cycle-socket, j", Usage: "cycle socket rebinds at this interval"},
		cli.StringFlag{Name: "config, c", Usage: "path to a YAML config file"},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	opts := logging.DefaultOptions()
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

func run(c *cli.Context) error {
	logger := setupLogger()

	port := c.Int("port")
	if port < minPort || port > maxPort {
		return cli.NewExitError(fmt.Sprintf("port %d out of range [%d, %d]", port, minPort, maxPort), 1)
	}

	cfg, err := dhtconfig.LoadYAMLFile(c.String("config"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("loading config: %v", err), 1)
	}
	dhtconfig.Swap(cfg)

	var localID kadid.ID
	if uid := c.String("uid"); uid != "" {
		localID = kadid.FromBytes([]byte(uid))
	} else {
		localID = kadid.New()
	}

	table := routing.New(localID, cfg.K, cfg.BucketStalePeriod)
	blocklist := routing.NewBlocklist()

	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("binding udp port %d: %v", port, err), 1)
	}

	n := node.New(localID, cfg.DHTVersion, table, nil, blocklist, rateClassOf(cfg.Rate), logger, 256, 256)

	mgr := manager.New(n, localID, logger)
	mgr.RegisterSink(loggingSink{logger: logger})

	tun := tunnel.New(localID, table, n, logrus.StandardLogger())
	n.SetTunnelHandler(tun)

	tr := transport.New(conn, n, logger, mgr, tun, n.Announce, n.Tokens)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if bootstrapPath := firstNonEmpty(c.String("bootstrap"), cfg.BootstrapFile); bootstrapPath != "" {
		seedBootstrapFile(ctx, table, bootstrapPath, logger)
	}

	now := time.Now()
	mgr.StartDHT(now)

	if lookups := c.Int("lookups"); lookups > 0 {
		go issueRandomLookups(ctx, mgr, lookups, logger)
	}
	if interval := c.Duration("cycle-dht"); interval > 0 {
		go cycleDHT(ctx, mgr, interval)
	}
	if interval := c.Duration("cycle-socket"); interval > 0 {
		go cycleSocket(ctx, logger, interval)
	}

	runErr := tr.Run(ctx)

	mgr.StopDHT(time.Now())
	tun.Stop(time.Now())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return cli.NewExitError(runErr.Error(), 1)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func rateClassOf(rate string) node.RateClass {
	switch dhtconfig.RateClass(rate) {
	case dhtconfig.RateHigh:
		return node.RateHigh
	case dhtconfig.RateLow:
		return node.RateLow
	case dhtconfig.RateTrickle:
		return node.RateTrickle
	default:
		return node.RateMed
	}
}

// seedBootstrapFile resolves each bootstrap entry and seeds the routing
// table with a placeholder contact at that address. A line is either
// "host port" (the format peerstore writes) or "host:port". Resolution
// retries with backoff (pkg/retry) since bootstrap entries are commonly DNS
// names whose resolvers are often still warming up this early in process
// startup.
func seedBootstrapFile(ctx context.Context, table *routing.Table, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("bootstrap file unreadable, starting with an empty routing table", "path", path, "error", err.Error())
		return
	}

	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}

		entry := line
		if f := strings.Fields(line); len(f) == 2 {
			entry = net.JoinHostPort(f[0], f[1])
		}

		var addr *net.UDPAddr
		resolveErr := retry.Do(ctx, func(ctx context.Context) error {
			resolved, err := net.ResolveUDPAddr("udp4", entry)
			if err != nil {
				return err
			}
			addr = resolved
			return nil
		}, retry.WithBootstrapResolution()...)

		if resolveErr != nil {
			logger.Debug("skipping unresolvable bootstrap entry", "entry", line, "error", resolveErr.Error())
			continue
		}
		table.AddPeer(routing.NewContact(bootstrapPlaceholderID(), addr, 0), 0, time.Now())
	}
}

// bootstrapPlaceholderID mints a fresh random id for each bootstrap-file
// entry: the file carries addresses only. The routing table is keyed by id,
// so when that address first answers a request its real id enters the
// table as a separate entry; the placeholder entry is not removed.
func bootstrapPlaceholderID() kadid.ID { return kadid.New() }

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func issueRandomLookups(ctx context.Context, mgr *manager.Manager, n int, logger *slog.Logger) {
	select {
	case <-time.After(dhtconfig.Load().MaxStartupTime):
	case <-ctx.Done():
		return
	}

	for i := 0; i < n; i++ {
		target := kadid.New()
		mgr.AddFindNode(target, flags.Idle)
		logger.Info("issued random lookup", "target", target.String())

		select {
		case <-time.After(time.Duration(rand.Intn(500)) * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func cycleDHT(ctx context.Context, mgr *manager.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	up := true
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if up {
				mgr.StopDHT(now)
			} else {
				mgr.StartDHT(now)
			}
			up = !up
		}
	}
}

// cycleSocket is a diagnostic no-op in this process model: the transport
// adapter owns the single bound socket for its whole run, so a real rebind
// would require tearing down and restarting the Transport. It is kept as a
// flag-compatible stub logging the intent, per the CLI surface this
// expansion commits to.
func cycleSocket(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("cycle-socket tick (rebind not implemented for the shared-transport process model)")
		}
	}
}

// loggingSink is the CLI driver's default callback.Sink: it logs every
// notification rather than forwarding to an embedding application.
type loggingSink struct {
	logger *slog.Logger
}

func (l loggingSink) OnNode(c *routing.Contact, f flags.Flags) {
	l.logger.Debug("node observed", "id", c.ID.String(), "addr", c.Addr.String(), "flags", f)
}

func (l loggingSink) OnPeer(target kadid.ID, status callback.Status) {
	l.logger.Info("lookup status", "target", target.String(), "status", string(status))
}

func (l loggingSink) OnValue(target kadid.ID, key string, status string) {
	l.logger.Debug("value event", "target", target.String(), "key", key, "status", status)
}
