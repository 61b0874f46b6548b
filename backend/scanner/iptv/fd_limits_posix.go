//go:build !windows

package iptvscan

import (
	"math"
	"syscall"
)

func fdSoftLimit() int {
	var r syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &r); err != nil {
		return 0
	}
	if r.Cur <= 0 || r.Cur > math.MaxInt32 {
		return 0
	}
	return int(r.Cur)
}

// fdAwareWorkerCap leaves room for the ffprobe pipes and multicast sockets
// a worker may hold besides its probe connection.
func fdAwareWorkerCap() int {
	fd := fdSoftLimit()
	if fd <= 0 {
		return 0
	}
	limit := fd / 4
	if limit < 8 {
		limit = 8
	}
	return limit
}
