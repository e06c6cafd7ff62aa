package racer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrosenb/garlic-racer/circuit"
	"github.com/mrosenb/garlic-racer/descriptor"
	"github.com/mrosenb/garlic-racer/directory"
	"github.com/mrosenb/garlic-racer/link"
	"github.com/mrosenb/garlic-racer/onion"
	"github.com/mrosenb/garlic-racer/pathselect"
)

// cancelableLink tracks the in-progress link for one build so that a
// context cancellation (a losing lane getting torn down) can force-close
// the socket out from under a blocking Handshake/Create/Extend call.
type cancelableLink struct {
	mu     sync.Mutex
	link   *link.Link
	closed bool
}

func (c *cancelableLink) attach(l *link.Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = l
	if c.closed {
		_ = l.Close()
	}
}

func (c *cancelableLink) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.link != nil {
		_ = c.link.Close()
	}
}

// watchCancel closes the link the moment ctx is done, and returns a stop
// function the caller must invoke once the build finishes to release the
// watcher goroutine.
func watchCancel(ctx context.Context, cl *cancelableLink) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cl.cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func relayInfoFromRelay(r *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       r.Identity,
		NtorOnionKey: r.NtorOnionKey,
		Address:      r.Address,
		ORPort:       r.ORPort,
	}
}

// relayInfoForIntroPoint builds a descriptor.RelayInfo for extending a
// circuit to an introduction point, taken from its parsed link specifiers
// and the ntor onion key carried in the HS descriptor record.
func relayInfoForIntroPoint(specs *onion.ParsedLinkSpecs, ip onion.IntroPoint) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       specs.Identity,
		NtorOnionKey: ip.OnionKey,
		Address:      specs.Address,
		ORPort:       specs.ORPort,
	}
}

// buildCircuit establishes a circuit of len(interior)+1 hops, extending
// through each interior relay (fast routers chosen by the caller) and
// finally to lastHop. interior may be empty, in which case the circuit is
// a single hop directly to lastHop — the default racing configuration
// that trades anonymity for construction speed.
func buildCircuit(ctx context.Context, interior []directory.Relay, lastHop *descriptor.RelayInfo, logger *slog.Logger) (*circuit.Circuit, *link.Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cl := &cancelableLink{}
	stop := watchCancel(ctx, cl)
	defer stop()

	var firstHop *descriptor.RelayInfo
	if len(interior) > 0 {
		firstHop = relayInfoFromRelay(&interior[0])
	} else {
		firstHop = lastHop
	}

	l, err := link.Handshake(fmt.Sprintf("%s:%d", firstHop.Address, firstHop.ORPort), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("link handshake: %w", err)
	}
	cl.attach(l)
	if err := ctx.Err(); err != nil {
		_ = l.Close()
		return nil, nil, err
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := circuit.Create(l, firstHop, logger)
	if err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("circuit create: %w", err)
	}

	for i := 1; i < len(interior); i++ {
		if err := ctx.Err(); err != nil {
			_ = l.Close()
			return nil, nil, err
		}
		if err := circ.Extend(relayInfoFromRelay(&interior[i]), logger); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("extend to interior hop %d: %w", i, err)
		}
	}

	if len(interior) > 0 {
		if err := ctx.Err(); err != nil {
			_ = l.Close()
			return nil, nil, err
		}
		if err := circ.Extend(lastHop, logger); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("extend to final hop: %w", err)
		}
	}

	_ = l.SetDeadline(time.Time{})
	return circ, l, nil
}

// interiorHops picks n-1 fast, subnet-diverse relays to serve as interior
// hops for a circuit of total length n ending at some other chosen relay.
func interiorHops(consensus *directory.Consensus, n int) ([]directory.Relay, error) {
	if n <= 1 {
		return nil, nil
	}
	relays, err := pathselect.SelectFastRelays(consensus, n-1)
	if err != nil {
		return nil, fmt.Errorf("select interior hops: %w", err)
	}
	return relays, nil
}
