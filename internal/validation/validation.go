package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath    = errors.New("invalid file path")
	ErrPathNotExists  = errors.New("path does not exist")
	ErrInvalidAddr    = errors.New("invalid listen address")
	ErrInvalidHost    = errors.New("invalid host")
	ErrEmptyString    = errors.New("value must not be empty")
	ErrOutOfRange     = errors.New("value out of range")
	ErrInvalidImageID = errors.New("invalid image id")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" { return ErrInvalidPath }
	if !filepath.IsAbs(p) {
		// Allow relative but normalize; disallow traversal outside working dir if needed
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" { return ErrInvalidAddr }
	_, err := net.ResolveUDPAddr("udp", addr)
	if err != nil { return fmt.Errorf("%w: %v", ErrInvalidAddr, err) }
	return nil
}

// ValidateHost accepts a bare IP or a hostname without a port; hostnames
// are checked for form only, not resolved.
func ValidateHost(host string) error {
	if host == "" { return ErrInvalidHost }
	if strings.ContainsAny(host, " /") { return ErrInvalidHost }
	if ip := net.ParseIP(host); ip != nil { return nil }
	if strings.Contains(host, ":") { return ErrInvalidHost }
	return nil
}

// ValidateImageID checks the client{id}-{stem} form owners stamp on their
// uploads. The embedded owner id is what makes ids system-unique.
func ValidateImageID(id string) error {
	if !strings.HasPrefix(id, "client") { return ErrInvalidImageID }
	rest := strings.TrimPrefix(id, "client")
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 { return ErrInvalidImageID }
	for _, c := range rest[:dash] {
		if c < '0' || c > '9' { return ErrInvalidImageID }
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" { return ErrEmptyString }
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
