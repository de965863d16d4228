// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import (
	"net/netip"
	"strings"
)

// addrRange is an inclusive [lo, hi] address interval. Single IPs, CIDRs and
// dash ranges all normalize to this form so that every pairing in the target
// filter reduces to an interval intersection test.
type addrRange struct {
	lo, hi netip.Addr
}

func (r addrRange) overlaps(o addrRange) bool {
	return r.lo.Compare(o.hi) <= 0 && o.lo.Compare(r.hi) <= 0
}

// parseTargetElement normalizes one element of a targets string into an
// address range. Returns ok=false for hostnames and anything else that is
// not address-shaped.
func parseTargetElement(s string) (addrRange, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return addrRange{}, false
	}

	if p, err := netip.ParsePrefix(s); err == nil {
		return prefixRange(p), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return addrRange{lo: a, hi: a}, true
	}
	// Dash range: "10.0.0.1-10.0.0.20" or the short form "10.0.0.1-20".
	if loStr, hiStr, ok := strings.Cut(s, "-"); ok {
		loStr = strings.TrimSpace(loStr)
		hiStr = strings.TrimSpace(hiStr)
		a, err := netip.ParseAddr(loStr)
		if err != nil {
			return addrRange{}, false
		}
		b, err := netip.ParseAddr(hiStr)
		if err != nil && a.Is4() && !strings.Contains(hiStr, ".") {
			// Short form: replace the last octet of the start address.
			base := loStr[:strings.LastIndex(loStr, ".")+1]
			b, err = netip.ParseAddr(base + hiStr)
		}
		if err != nil || a.Compare(b) > 0 {
			return addrRange{}, false
		}
		return addrRange{lo: a, hi: b}, true
	}
	return addrRange{}, false
}

// prefixRange returns the inclusive address interval covered by a prefix.
func prefixRange(p netip.Prefix) addrRange {
	p = p.Masked()
	lo := p.Addr()
	bytes := lo.AsSlice()
	bits := p.Bits()
	for i := bits; i < len(bytes)*8; i++ {
		bytes[i/8] |= 1 << (7 - i%8)
	}
	hi, _ := netip.AddrFromSlice(bytes)
	return addrRange{lo: lo, hi: hi}
}

// TargetsMatch reports whether the stored comma-separated targets string
// matches the query value. Matching is CIDR-aware: a single-IP query matches
// a stored CIDR containing it, a CIDR query matches contained IPs and
// overlapping CIDRs, and two ranges match on non-empty intersection. For
// hostnames a case-insensitive substring comparison is the fallback.
func TargetsMatch(query, targets string) bool {
	qRange, qIsAddr := parseTargetElement(query)
	for _, elem := range strings.Split(targets, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		if qIsAddr {
			if tRange, ok := parseTargetElement(elem); ok {
				if qRange.overlaps(tRange) {
					return true
				}
				continue
			}
		}
		if strings.Contains(strings.ToLower(elem), strings.ToLower(query)) {
			return true
		}
	}
	return false
}
