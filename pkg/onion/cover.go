package onion

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"time"
)

// CoverTrafficRate is the default mean rate (packets/second) of the Poisson
// process driving dummy packets when cover traffic is enabled.
const CoverTrafficRate = 0.2 // one dummy every 5s on average

const (
	coverPayloadMin = 512
	coverPayloadMax = 1024
)

// runCoverTraffic emits dummy packets on circuit at a Poisson rate until
// ctx is cancelled or the circuit closes (spec §4.6: "each active circuit
// emits dummy packets ... at a configurable Poisson rate"). It's meant to
// run as its own goroutine per active circuit, matching the scheduling
// model's "each active circuit runs as an independent task".
func (m *Manager) runCoverTraffic(ctx context.Context, c *Circuit, rate float64) {
	if rate <= 0 {
		return
	}
	for {
		wait := nextPoissonInterval(rate)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if c.Status() != StatusActive {
			return
		}
		if err := m.sendCoverPacket(ctx, c); err != nil {
			m.log.Debug("onion: cover traffic send failed", "circuit", c.ID, "err", err)
		}
	}
}

// nextPoissonInterval draws an exponentially-distributed wait time for a
// Poisson process with the given mean rate (events/second).
func nextPoissonInterval(rate float64) time.Duration {
	seconds := rand.ExpFloat64() / rate
	return time.Duration(seconds * float64(time.Second))
}

func randomCoverPayload() ([]byte, error) {
	n := coverPayloadMin + rand.IntN(coverPayloadMax-coverPayloadMin+1)
	payload := make([]byte, len(coverMarker)+n)
	copy(payload, coverMarker)
	if _, err := crand.Read(payload[len(coverMarker):]); err != nil {
		return nil, err
	}
	return payload, nil
}
