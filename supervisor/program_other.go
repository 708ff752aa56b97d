//go:build !linux

package supervisor

func programName(pid int) string { return "" }
