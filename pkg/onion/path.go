package onion

import (
	"math/rand/v2"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
)

// selectPath draws length distinct relay-capable peers from the routing
// table. If diverseRequired, it rejects any draw where two hops share an
// ASN or advertised region, retrying up to PathSelectionRetries times
// before failing with ErrNoDiversePath (spec §4.6 "Path selection").
func selectPath(rt *dht.RoutingTable, length int, diverseRequired bool, exclude identity.PeerId, retries int) ([]dht.PeerInfo, error) {
	candidates := relayCandidates(rt, exclude)
	if len(candidates) < length {
		return nil, ErrInsufficientRelays
	}

	for attempt := 0; attempt < retries; attempt++ {
		draw := drawDistinct(candidates, length)
		if !diverseRequired || isDiverse(draw) {
			return draw, nil
		}
	}
	if !diverseRequired {
		return drawDistinct(candidates, length), nil
	}
	return nil, ErrNoDiversePath
}

func relayCandidates(rt *dht.RoutingTable, exclude identity.PeerId) []dht.PeerInfo {
	all := rt.Snapshot()
	out := make([]dht.PeerInfo, 0, len(all))
	for _, p := range all {
		if !p.Capabilities.IsRelay {
			continue
		}
		if p.PeerID == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// drawDistinct picks n distinct entries out of candidates via a Fisher-Yates
// partial shuffle, so repeated calls explore different paths across
// PATH_SELECTION_RETRIES attempts.
func drawDistinct(candidates []dht.PeerInfo, n int) []dht.PeerInfo {
	pool := make([]dht.PeerInfo, len(candidates))
	copy(pool, candidates)
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// isDiverse reports whether no two hops in path share an ASN or region
// (spec §3 Circuit invariant, spec §4.6 path selection).
func isDiverse(path []dht.PeerInfo) bool {
	seenASN := map[uint32]bool{}
	seenRegion := map[string]bool{}
	for _, p := range path {
		if p.ASN != 0 {
			if seenASN[p.ASN] {
				return false
			}
			seenASN[p.ASN] = true
		}
		if p.Region != "" {
			if seenRegion[p.Region] {
				return false
			}
			seenRegion[p.Region] = true
		}
	}
	return true
}
