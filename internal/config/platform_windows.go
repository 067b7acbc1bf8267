//go:build windows

package config

func runtimeIsWindows() bool { return true }
