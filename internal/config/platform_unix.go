//go:build !windows

package config

func runtimeIsWindows() bool { return false }
