//go:build darwin

package netmon

import (
	"context"
	"log/slog"
	"syscall"
	"unsafe"
)

// watchNetworkChanges uses a BSD route socket (AF_ROUTE) to receive
// kernel notifications when network interfaces or addresses change.
// Event-driven: zero CPU when nothing changes.
func watchNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	fd, err := syscall.Socket(syscall.AF_ROUTE, syscall.SOCK_RAW, syscall.AF_UNSPEC)
	if err != nil {
		slog.Warn("netmon: route socket failed, falling back to polling", "error", err)
		pollNetworkChanges(ctx, ch)
		return
	}
	defer syscall.Close(fd)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tv := syscall.Timeval{Sec: 2}
		syscall.SetsockoptTimeval(fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

		n, err := syscall.Read(fd, buf)
		if err != nil {
			if isTimeoutDarwin(err) {
				continue
			}
			slog.Warn("netmon: route socket read error", "error", err)
			continue
		}
		if n < int(unsafe.Sizeof(routeMessageHeader{})) {
			continue
		}

		hdr := (*routeMessageHeader)(unsafe.Pointer(&buf[0]))
		switch hdr.Type {
		case syscall.RTM_NEWADDR, syscall.RTM_DELADDR, syscall.RTM_IFINFO:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// routeMessageHeader matches the rt_msghdr structure on macOS.
type routeMessageHeader struct {
	Msglen  uint16
	Version uint8
	Type    uint8
	// remaining fields not needed for filtering
}

func isTimeoutDarwin(err error) bool {
	if errno, ok := err.(syscall.Errno); ok {
		return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
	}
	return false
}
