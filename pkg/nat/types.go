package nat

// NATType classifies how a local gateway maps outbound UDP/TCP sessions
// (spec §3, §4.4). Ordered roughly from most to least permissive.
type NATType string

const (
	NATOpenInternet       NATType = "open_internet"
	NATFullCone           NATType = "full_cone"
	NATRestrictedCone     NATType = "restricted_cone"
	NATPortRestrictedCone NATType = "port_restricted_cone"
	NATSymmetric          NATType = "symmetric"
	NATUnknown            NATType = "unknown"
)

// Strategy is the connection-establishment method chosen for a given pair
// of local/peer NAT types (spec §4.4).
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyHolePunch
	StrategyTURN
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyHolePunch:
		return "hole_punch"
	case StrategyTURN:
		return "turn"
	default:
		return "unknown"
	}
}

// Discovery is the result of a STUN-based self-assessment: the externally
// observed address and the inferred NAT behavior.
type Discovery struct {
	PublicAddress string
	NATType       NATType
}
