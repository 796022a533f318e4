package nat

// SelectStrategy picks a connection-establishment strategy from the local
// and peer NAT types (spec §4.4). Symmetric NAT on either side is checked
// first and unconditionally forces TURN, before any of the more permissive
// combinations are considered — a Symmetric×FullCone pair must not slip
// through on a general "either side is FullCone" shortcut, since the
// symmetric side's unpredictable external port makes punching through it
// unreliable regardless of how permissive the other side is.
func SelectStrategy(local, peer NATType) Strategy {
	if local == NATSymmetric || peer == NATSymmetric {
		return StrategyTURN
	}
	if local == NATOpenInternet || peer == NATOpenInternet {
		return StrategyDirect
	}
	if fullConePair(local, peer) {
		return StrategyDirect
	}
	return StrategyHolePunch
}

// fullConePair reports whether one side is FullCone and the other is
// FullCone, RestrictedCone, or PortRestrictedCone (spec §4.4's explicit
// direct-dial combinations), in either direction.
func fullConePair(a, b NATType) bool {
	direct := func(x, y NATType) bool {
		return x == NATFullCone && (y == NATFullCone || y == NATRestrictedCone || y == NATPortRestrictedCone)
	}
	return direct(a, b) || direct(b, a)
}
