package directory

import "time"

// Consensus represents a parsed Tor microdescriptor consensus.
type Consensus struct {
	ValidAfter              time.Time
	FreshUntil              time.Time
	ValidUntil              time.Time
	SharedRandCurrentValue  []byte
	SharedRandPreviousValue []byte
	Relays                  []Relay
	BandwidthWeights        map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.
	Params                  map[string]int64 // from the "params" line, e.g. hsdir_spread_store
}

// Directory parameter defaults, used when a key is absent from Params.
const (
	DefaultHSDirSpreadStore  = 4
	DefaultHSDirSpreadFetch  = 3
	DefaultHSDirNReplicas    = 2
	DefaultTimePeriodLength  = 1440 // minutes
	defaultVotingIntervalSec = 3600
)

// Param returns c.Params[key], or def if the consensus carried no such
// parameter (e.g. an older or stripped-down consensus document).
func (c *Consensus) Param(key string, def int64) int64 {
	if c.Params == nil {
		return def
	}
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// VotingInterval returns fresh_until - valid_after in seconds, falling
// back to the default 3600s when the consensus timestamps are degenerate.
func (c *Consensus) VotingInterval() int64 {
	vi := int64(c.FreshUntil.Sub(c.ValidAfter).Seconds())
	if vi <= 0 {
		return defaultVotingIntervalSec
	}
	return vi
}

// TimePeriodLength returns the consensus's time_period_length in minutes,
// reduced for testing networks per rend-spec-v3 §2.2 when the voting
// interval is below one hour.
func (c *Consensus) TimePeriodLength() int64 {
	vi := c.VotingInterval()
	if vi < defaultVotingIntervalSec {
		return 24 * vi / 60
	}
	return c.Param("time_period_length", DefaultTimePeriodLength)
}

// Relay represents a router entry in the consensus.
type Relay struct {
	Nickname        string
	Identity        [20]byte // SHA-1 of RSA identity key (base64-decoded from "r" line)
	Address         string   // IPv4 address
	ORPort          uint16
	DirPort         uint16
	Flags           RelayFlags
	Bandwidth       int64  // From "w Bandwidth=" line
	MicrodescDigest string // Base64 microdesc digest from "m" line

	// Populated after microdescriptor fetch
	NtorOnionKey [32]byte
	Ed25519ID    [32]byte
	HasNtorKey   bool
	HasEd25519   bool
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Running   bool
	Stable    bool
	Valid     bool
}
