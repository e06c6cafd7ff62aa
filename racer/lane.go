package racer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mrosenb/garlic-racer/circuit"
	"github.com/mrosenb/garlic-racer/directory"
	"github.com/mrosenb/garlic-racer/onion"
)

// Lane is one (rendezvous-point, introduction-point) attempt. A Racer
// launches Count lanes concurrently and keeps the first that finishes a
// full rendezvous handshake.
type Lane struct {
	Index int
	RP    directory.Relay
	IP    onion.IntroPoint

	Circuit *circuit.Circuit
	Link    io.Closer
	Err     error
	Elapsed time.Duration
}

// run drives one lane end-to-end: build the client circuit to the RP,
// establish rendezvous, build a 2-hop introduction circuit, send
// INTRODUCE1, and wait for RENDEZVOUS2 — grounded in
// onion.ConnectOnionService's sequential tryIntroPoint, generalized so a
// single lane owns exactly one (RP, IntroPoint) pair instead of looping
// over every cached introduction point.
func (ln *Lane) run(ctx context.Context, consensus *directory.Consensus, result *onion.ConnectResult, clientHops int, logger *slog.Logger) (runErr error) {
	start := time.Now()
	defer func() { ln.Elapsed = time.Since(start) }()

	interior, err := interiorHops(consensus, clientHops)
	if err != nil {
		return fmt.Errorf("select client interior hops: %w", err)
	}

	rpInfo := relayInfoFromRelay(&ln.RP)
	rendCirc, rendLink, err := buildCircuit(ctx, interior, rpInfo, logger)
	if err != nil {
		return fmt.Errorf("build rendezvous circuit: %w", err)
	}
	ln.Circuit = rendCirc
	ln.Link = rendLink
	defer func() {
		if runErr != nil {
			_ = rendLink.Close()
		}
	}()
	// Close the rendezvous link if the lane is cancelled (a winner was picked
	// or the race deadline passed) while it still waits for a reply.
	rendWatch := &cancelableLink{}
	rendWatch.attach(rendLink)
	defer watchCancel(ctx, rendWatch)()

	cookie, err := onion.GenerateRendezvousCookie()
	if err != nil {
		return fmt.Errorf("generate rendezvous cookie: %w", err)
	}

	if err := rendCirc.SendRelay(circuit.RelayEstablishRendezvous, 0, cookie[:]); err != nil {
		return fmt.Errorf("send ESTABLISH_RENDEZVOUS: %w", err)
	}
	_, relayCmd, _, _, err := rendCirc.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive RENDEZVOUS_ESTABLISHED: %w", err)
	}
	if relayCmd != circuit.RelayRendezvousEstablished {
		return fmt.Errorf("expected RENDEZVOUS_ESTABLISHED (39), got relay command %d", relayCmd)
	}

	rendLinkSpecs, err := onion.BuildRendLinkSpecs(ln.RP.Identity, ln.RP.Address, ln.RP.ORPort, ln.RP.Ed25519ID)
	if err != nil {
		return fmt.Errorf("build rend link specs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	introInterior, err := interiorHops(consensus, 2)
	if err != nil {
		return fmt.Errorf("select intro interior hop: %w", err)
	}
	specs, err := onion.ParseLinkSpecifiers(ln.IP.LinkSpecifiers)
	if err != nil {
		return fmt.Errorf("parse intro point link specifiers: %w", err)
	}
	introInfo := relayInfoForIntroPoint(specs, ln.IP)

	introCirc, introLink, err := buildCircuit(ctx, introInterior, introInfo, logger)
	if err != nil {
		return fmt.Errorf("build introduction circuit: %w", err)
	}
	defer func() { _ = introLink.Close() }()
	introWatch := &cancelableLink{}
	introWatch.attach(introLink)
	defer watchCancel(ctx, introWatch)()

	introduce1, hsState, err := onion.BuildINTRODUCE1(
		ln.IP.AuthKey[:],
		ln.IP.EncKey,
		result.Subcred,
		cookie,
		ln.RP.NtorOnionKey,
		rendLinkSpecs,
	)
	if err != nil {
		return fmt.Errorf("build INTRODUCE1: %w", err)
	}
	if err := introCirc.SendRelay(circuit.RelayIntroduce1, 0, introduce1); err != nil {
		return fmt.Errorf("send INTRODUCE1: %w", err)
	}

	_, relayCmd, _, ackData, err := introCirc.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive INTRODUCE_ACK: %w", err)
	}
	if relayCmd != circuit.RelayIntroduceAck {
		return fmt.Errorf("expected INTRODUCE_ACK (40), got relay command %d", relayCmd)
	}
	if len(ackData) >= 2 {
		status := uint16(ackData[0])<<8 | uint16(ackData[1])
		if status != 0 {
			return &onion.IntroduceError{Status: status}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	_, relayCmd, _, rend2Data, err := rendCirc.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive RENDEZVOUS2: %w", err)
	}
	if relayCmd != circuit.RelayRendezvous2 {
		return fmt.Errorf("expected RENDEZVOUS2 (37), got relay command %d", relayCmd)
	}

	keys, err := onion.CompleteRendezvous(hsState, rend2Data)
	if err != nil {
		return fmt.Errorf("complete rendezvous: %w", err)
	}

	hop, err := onion.InitOnionHop(keys)
	if err != nil {
		return fmt.Errorf("init onion hop: %w", err)
	}
	rendCirc.AddHop(hop)

	return nil
}
