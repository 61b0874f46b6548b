//go:build windows

package iptvscan

func fdAwareWorkerCap() int { return 0 }
