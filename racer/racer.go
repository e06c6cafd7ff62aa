// Package racer implements the "Happy Eyeballs"-style circuit racer: it
// launches several concurrent rendezvous attempts against an onion
// service and keeps whichever finishes first, tearing the rest down.
package racer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mrosenb/garlic-racer/circuit"
	"github.com/mrosenb/garlic-racer/directory"
	"github.com/mrosenb/garlic-racer/onion"
	"github.com/mrosenb/garlic-racer/pathselect"
	"golang.org/x/sync/errgroup"
)

// Options configures a race.
type Options struct {
	Count       int           // number of parallel lanes (default 4)
	Hops        int           // client-side hops to the rendezvous point (default 1)
	LaneTimeout time.Duration // per-lane timeout (default 30s)
}

// DefaultOptions returns the source spec's defaults: 4 lanes, 1-hop client
// paths, 30s per lane.
func DefaultOptions() Options {
	return Options{Count: 4, Hops: 1, LaneTimeout: 30 * time.Second}
}

func (o Options) withDefaults() Options {
	if o.Count <= 0 {
		o.Count = 4
	}
	if o.Hops <= 0 {
		o.Hops = 1
	}
	if o.LaneTimeout <= 0 {
		o.LaneTimeout = 30 * time.Second
	}
	return o
}

// Stats summarizes a completed race.
type Stats struct {
	Winner    int
	Elapsed   time.Duration
	Attempted int
	Failed    int
}

// Result is the winning lane's circuit plus the race statistics.
type Result struct {
	Circuit    *circuit.Circuit
	LinkCloser io.Closer
	Lane       *Lane
	Stats      Stats
}

func resultFromLane(ln *Lane, attempted, failed int, elapsed time.Duration) *Result {
	return &Result{
		Circuit:    ln.Circuit,
		LinkCloser: ln.Link,
		Lane:       ln,
		Stats: Stats{
			Winner:    ln.Index,
			Elapsed:   elapsed,
			Attempted: attempted,
			Failed:    failed,
		},
	}
}

// ErrAllLanesFailed is returned when no lane wins: every lane has failed
// or been cut off by the race deadline.
var ErrAllLanesFailed = errors.New("all race lanes failed")

// LaneError wraps a lane's terminal error. It is counted toward
// Stats.Failed but never propagated past the racer itself.
type LaneError struct {
	Index int
	Err   error
}

func (e *LaneError) Error() string { return fmt.Sprintf("lane %d: %v", e.Index, e.Err) }
func (e *LaneError) Unwrap() error { return e.Err }

// Race launches Options.Count concurrent rendezvous attempts against
// domain and returns the circuit belonging to the first one that
// completes the full introduce/rendezvous handshake. All other lanes are
// cancelled and their circuits torn down. Lanes that fail on their own
// are counted in Stats.Failed, lanes stopped by cancellation are not, and
// no lane error is surfaced to the caller.
func Race(ctx context.Context, domain string, consensus *directory.Consensus, cache *onion.IntroCache, httpClient *http.Client, opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	start := time.Now()

	result, err := onion.ResolveCached(cache, domain, consensus, httpClient)
	if err != nil {
		return nil, fmt.Errorf("resolve introduction points: %w", err)
	}
	if len(result.IntroPoints) == 0 {
		return nil, &onion.ErrIntroductionPointsUnavailable{Address: domain}
	}

	rps, err := pathselect.SelectFastRelays(consensus, 3*opts.Count)
	if err != nil {
		return nil, fmt.Errorf("select rendezvous candidates: %w", err)
	}
	if len(rps) > opts.Count {
		rps = rps[:opts.Count]
	}
	if len(rps) == 0 {
		return nil, fmt.Errorf("no fast relays available for rendezvous points")
	}

	ips := shuffledIntroPoints(result.IntroPoints)

	lanes := buildRacePaths(rps, ips, opts.Count)
	if len(lanes) == 0 {
		return nil, ErrAllLanesFailed
	}

	raceCtx, cancel := context.WithTimeout(ctx, opts.LaneTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(raceCtx)

	winner := make(chan *Lane, 1)
	var failed atomic.Int32

	for i := range lanes {
		ln := lanes[i]
		g.Go(func() error {
			if err := ln.run(gCtx, consensus, result, opts.Hops, logger); err != nil {
				ln.Err = &LaneError{Index: ln.Index, Err: err}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if _, ok := err.(*onion.IntroduceError); ok {
					cache.Invalidate(domain)
				}
				failed.Add(1)
				return nil
			}
			select {
			case winner <- ln:
			default:
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case ln := <-winner:
		cancel()
		<-done
		teardownLosers(lanes, ln)
		return resultFromLane(ln, len(lanes), int(failed.Load()), time.Since(start)), nil
	case <-done:
		select {
		case ln := <-winner:
			teardownLosers(lanes, ln)
			return resultFromLane(ln, len(lanes), int(failed.Load()), time.Since(start)), nil
		default:
			teardownLosers(lanes, nil)
			return nil, ErrAllLanesFailed
		}
	}
}

// teardownLosers closes every lane's link except the winner's, best-effort.
func teardownLosers(lanes []*Lane, winner *Lane) {
	for _, ln := range lanes {
		if ln == winner || ln.Link == nil {
			continue
		}
		_ = ln.Link.Close()
	}
}

// buildRacePaths zips rendezvous-point candidates with introduction points
// into count lanes, cycling through ips when there are fewer than count.
func buildRacePaths(rps []directory.Relay, ips []onion.IntroPoint, count int) []*Lane {
	n := count
	if len(rps) < n {
		n = len(rps)
	}
	if n == 0 || len(ips) == 0 {
		return nil
	}
	lanes := make([]*Lane, 0, n)
	for i := 0; i < n; i++ {
		lanes = append(lanes, &Lane{
			Index: i,
			RP:    rps[i],
			IP:    ips[i%len(ips)],
		})
	}
	return lanes
}

// shuffledIntroPoints returns a Fisher-Yates shuffled copy of points using
// crypto/rand, matching directory.shuffleRelays' convention.
func shuffledIntroPoints(points []onion.IntroPoint) []onion.IntroPoint {
	out := append([]onion.IntroPoint(nil), points...)
	for i := len(out) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out
}
