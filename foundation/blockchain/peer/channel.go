package peer

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Bounds on the inbound limiters kept per channel. A peer that stays quiet
// past the ttl starts again with a full burst.
const (
	maxSources = 1024
	sourceTTL  = 10 * time.Minute
)

// Channel names a class of traffic between validators. Every channel has
// its own quota and backlog so a flood on one cannot starve the others.
type Channel string

// Set of channels used by a validator.
const (
	Votes        Channel = "votes"
	Certificates Channel = "certificates"
	Blocks       Channel = "blocks"
	Backfill     Channel = "backfill"
	Aggregation  Channel = "aggregation"
	Transactions Channel = "transactions"
)

// Channels lists every channel.
var Channels = []Channel{Votes, Certificates, Blocks, Backfill, Aggregation, Transactions}

// Limit represents the quota of a channel. Rate and Burst apply to each
// direction independently. Backlog bounds the messages waiting to be sent.
type Limit struct {
	Rate    rate.Limit
	Burst   int
	Backlog int
}

// DefaultLimits are used for any channel the configuration leaves out.
var DefaultLimits = map[Channel]Limit{
	Votes:        {Rate: 1024, Burst: 2048, Backlog: 1024},
	Certificates: {Rate: 256, Burst: 512, Backlog: 512},
	Blocks:       {Rate: 64, Burst: 128, Backlog: 128},
	Backfill:     {Rate: 32, Burst: 64, Backlog: 0},
	Aggregation:  {Rate: 256, Burst: 512, Backlog: 512},
	Transactions: {Rate: 512, Burst: 1024, Backlog: 4096},
}

// job is a message waiting in a channel backlog.
type job struct {
	path  string
	value any
	to    []Peer
}

type channel struct {
	name     Channel
	limit    Limit
	mu       sync.Mutex
	inbound  *expirable.LRU[string, *rate.Limiter]
	outbound *rate.Limiter
	queue    chan job
}

func newChannel(name Channel, lim Limit) *channel {
	if lim.Rate <= 0 {
		lim.Rate = rate.Inf
	}
	if lim.Burst <= 0 {
		lim.Burst = 1
	}

	return &channel{
		name:     name,
		limit:    lim,
		inbound:  expirable.NewLRU[string, *rate.Limiter](maxSources, nil, sourceTTL),
		outbound: rate.NewLimiter(lim.Rate, lim.Burst),
		queue:    make(chan job, lim.Backlog),
	}
}

// allow charges one inbound message against the quota of the source.
func (ch *channel) allow(from string) bool {
	ch.mu.Lock()
	lim, exists := ch.inbound.Get(from)
	if !exists {
		lim = rate.NewLimiter(ch.limit.Rate, ch.limit.Burst)
		ch.inbound.Add(from, lim)
	}
	ch.mu.Unlock()

	return lim.Allow()
}
