// Package transport wraps the UDP socket and drives the node core's tick
// loop, grounded on the teacher's KRPC.readLoop/Start/Stop in krpc.go but
// reworked from its goroutine-per-concern, unbounded-retry model into the
// fixed-cadence bounded-queue adapter of spec.md §4.10: a socket reader
// goroutine feeding the node's inbound FIFO, and a worker goroutine ticking
// the node core every 20ms and a set of slower maintenance routines (the
// manager, the tunnel, the announce store) once a second.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/node"
	"golang.org/x/sync/errgroup"
)

// socketCadence is the node core's tick period: up to the node's rate-class
// budget of outbound datagrams are emitted and the inbound queue is fully
// drained once per tick, per spec.md §4.10.
const socketCadence = 20 * time.Millisecond

// maintenanceCadence drives the slower, once-a-second routines: the
// manager's lifecycle, the tunnel's reachability checks, and the announce
// store's expiry/token rotation.
const maintenanceCadence = 1 * time.Second

// maxDatagramSize bounds both directions of the wire; an oversized incoming
// read is truncated, matching the teacher's fixed 64 KiB
// scratch buffer scaled down to this protocol's 10 KiB ceiling.
const maxDatagramSize = 10 * 1024

// readDeadline bounds each blocking read so the reader goroutine notices
// ctx cancellation without needing conn.Close to race the read, mirroring the teacher's
// 1-second SetReadDeadline poll in readLoop.
const readDeadline = 1 * time.Second

// Routine is anything driven on the maintenance cadence: manager.Manager
// and tunnel.Tunnel both satisfy this with their own Tick(time.Time).
type Routine interface {
	Tick(now time.Time)
}

// Transport owns the UDP socket and the two goroutines that pump it
// against a *node.Node: a reader filling the node's inbound FIFO, and a
// worker draining its outbound FIFO and driving Iteration plus every
// registered maintenance Routine.
type Transport struct {
	conn    net.PacketConn
	n       *node.Node
	logger  *slog.Logger
	routine []Routine
}

// New builds a Transport over conn. conn is accepted as net.PacketConn
// (not *net.UDPConn) so tests can drive it over an in-process pipe without
// a real socket.
func New(conn net.PacketConn, n *node.Node, logger *slog.Logger, routines ...Routine) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{conn: conn, n: n, logger: logger, routine: routines}
}

// LocalAddr returns the socket's bound address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Run blocks, driving the reader and worker goroutines under an
// errgroup.Group until ctx is cancelled or either goroutine returns a
// fatal error, then waits for both to exit and closes the socket. The
// first fatal error is returned; a clean shutdown via ctx cancellation
// returns nil.
func (t *Transport) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return t.readLoop(ctx) })
	eg.Go(func() error { return t.workerLoop(ctx) })

	err := eg.Wait()
	t.conn.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if deadliner, ok := t.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			deadliner.SetReadDeadline(time.Now().Add(readDeadline))
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error("transport: read failed", "error", err.Error())
			continue
		}
		if n == 0 {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			resolved, err := net.ResolveUDPAddr("udp", addr.String())
			if err != nil {
				continue
			}
			udpAddr = resolved
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.n.Inbound <- node.Datagram{Data: data, Addr: udpAddr}:
		default:
			t.logger.Debug("transport: inbound queue full, dropping datagram", "from", udpAddr.String())
		}
	}
}

func (t *Transport) workerLoop(ctx context.Context) error {
	socketTicker := time.NewTicker(socketCadence)
	defer socketTicker.Stop()
	maintTicker := time.NewTicker(maintenanceCadence)
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-socketTicker.C:
			t.drainOutbound()
			t.n.Iteration(now)
		case now := <-maintTicker.C:
			for _, r := range t.routine {
				r.Tick(now)
			}
		}
	}
}

// drainOutbound flushes every datagram the node core has queued this tick
// to the socket; the node's own rate class already bounded how many it
// enqueued, so this never blocks waiting for more to arrive.
func (t *Transport) drainOutbound() {
	for {
		select {
		case dg := <-t.n.Outbound:
			if _, err := t.conn.WriteTo(dg.Data, dg.Addr); err != nil {
				t.logger.Debug("transport: write failed", "to", dg.Addr.String(), "error", err.Error())
			}
		default:
			return
		}
	}
}
