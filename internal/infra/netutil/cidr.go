package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ParseCIDRs parses every entry, reporting all malformed ones together.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	var (
		out  []*net.IPNet
		errs []error
	)
	for _, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("cidr %q: %w", s, err))
			continue
		}
		out = append(out, n)
	}
	return out, errors.Join(errs...)
}
