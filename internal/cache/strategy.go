package cache

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Strategy is one way of materializing a file from another.
type Strategy string

const (
	Reflink  Strategy = "reflink"
	Hardlink Strategy = "hardlink"
	Softlink Strategy = "softlink"
	Copy     Strategy = "copy"
)

// DefaultLinkPolicy only uses strategies that give the destination its own
// storage, so callers can edit downloaded files freely.
var DefaultLinkPolicy = []Strategy{Reflink, Copy}

var errUnsupported = errors.New("not supported on this platform")

// linkers are tried in policy order; each returns an error to mean "try the
// next one". dst never exists when a linker runs.
var linkers = map[Strategy]func(src, dst string) error{
	Reflink:  reflink,
	Hardlink: os.Link,
	Softlink: softlink,
	Copy:     copyFile,
}

// SharesStorage reports whether the destination shares permission bits with
// its source.
func (s Strategy) SharesStorage() bool {
	return s == Hardlink || s == Softlink
}

// ParseLinkPolicy parses a comma-separated list like "reflink,hardlink,copy".
func ParseLinkPolicy(s string) ([]Strategy, error) {
	var policy []Strategy
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		st := Strategy(field)
		if _, ok := linkers[st]; !ok {
			return nil, fmt.Errorf("unknown link strategy %q", field)
		}
		policy = append(policy, st)
	}
	if len(policy) == 0 {
		return DefaultLinkPolicy, nil
	}
	return policy, nil
}

// Install materializes src at dst using the first strategy in policy that
// succeeds, falling back to a full copy. dst is replaced atomically.
func Install(src, dst string, policy []Strategy) (Strategy, error) {
	if err := EnsureParent(dst); err != nil {
		return "", err
	}
	tmp, err := tempName(dst)
	if err != nil {
		return "", err
	}

	if !slices.Contains(policy, Copy) {
		policy = slices.Concat(policy, []Strategy{Copy})
	}

	chosen := Strategy("")
	var errs []error
	for _, s := range policy {
		link, ok := linkers[s]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown link strategy %q", s))
			continue
		}
		if err := link(src, tmp); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			os.Remove(tmp)
			continue
		}
		chosen = s
		break
	}
	if chosen == "" {
		return "", errors.Join(errs...)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return chosen, nil
}

// MoveFile renames src to dst, falling back to copy-then-delete when they are
// on different filesystems.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !isCrossDevice(err) {
		return err
	}
	tmp, err := tempName(dst)
	if err != nil {
		return err
	}
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func tempName(dst string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-"+hex.EncodeToString(b[:])), nil
}

func softlink(src, dst string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	return os.Symlink(abs, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
