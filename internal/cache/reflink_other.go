//go:build !linux && !darwin

package cache

func reflink(string, string) error { return errUnsupported }
