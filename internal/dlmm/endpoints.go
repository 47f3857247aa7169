package dlmm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/metrics"
	"golang.org/x/time/rate"
)

// endpointPool manages a set of RPC endpoints with round-robin selection,
// per-endpoint rate limiting and failure cooldowns.
type endpointPool struct {
	endpoints []*endpoint
	current   int
	mutex     sync.Mutex
	logger    zerolog.Logger
}

type endpoint struct {
	url           string
	client        *rpc.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

func newEndpointPool(urls []string, logger zerolog.Logger) *endpointPool {
	endpoints := make([]*endpoint, len(urls))

	for i, url := range urls {
		endpoints[i] = &endpoint{
			url:    url,
			client: rpc.New(url),
			// Rate limit to ~4 req/s per endpoint to stay under provider limits
			limiter: rate.NewLimiter(rate.Limit(4.0), 8),
			healthy: true,
		}
		metrics.SetRPCEndpointHealth(url, true)
	}

	return &endpointPool{
		endpoints: endpoints,
		current:   rand.Intn(len(endpoints)),
		logger:    logger.With().Str("component", "endpoint_pool").Logger(),
	}
}

// next returns the next available RPC client, waiting on its rate limiter.
func (p *endpointPool) next(ctx context.Context) (*rpc.Client, string, error) {
	p.mutex.Lock()
	var selected *endpoint
	for attempts := 0; attempts < len(p.endpoints); attempts++ {
		candidate := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)

		candidate.mutex.RLock()
		available := candidate.healthy || time.Now().After(candidate.cooldownUntil)
		candidate.mutex.RUnlock()

		if available {
			selected = candidate
			break
		}
	}
	p.mutex.Unlock()

	if selected == nil {
		return nil, "", fmt.Errorf("no healthy RPC endpoints available")
	}

	if err := selected.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	return selected.client, selected.url, nil
}

// markFailed puts an endpoint into a short cooldown after a failed request.
func (p *endpointPool) markFailed(url string) {
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.mutex.Lock()
		e.healthy = false
		e.cooldownUntil = time.Now().Add(30 * time.Second)
		e.mutex.Unlock()
		metrics.SetRPCEndpointHealth(url, false)
		p.logger.Warn().Str("endpoint", url).Msg("RPC endpoint placed in cooldown")
		return
	}
}

// markHealthy restores an endpoint after a successful request.
func (p *endpointPool) markHealthy(url string) {
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.mutex.Lock()
		wasUnhealthy := !e.healthy
		e.healthy = true
		e.mutex.Unlock()
		if wasUnhealthy {
			metrics.SetRPCEndpointHealth(url, true)
			p.logger.Info().Str("endpoint", url).Msg("RPC endpoint recovered")
		}
		return
	}
}
