//go:build !darwin && !linux

package netmon

import "context"

// watchNetworkChanges falls back to polling on platforms without native
// event-driven network change detection.
func watchNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	pollNetworkChanges(ctx, ch)
}
