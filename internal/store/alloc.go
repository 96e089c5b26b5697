package store

import (
	"fmt"
	"hash/fnv"
	"log"
	"math/big"
	"math/rand"
	"net/netip"
	"time"
)

// OffsetSource draws a uniformly random offset in [0, max). The default
// source is a seeded PRNG; tests substitute a fixed source to pin the
// allocation result.
type OffsetSource func(max *big.Int) *big.Int

type allocConfig struct {
	seed    string
	hasSeed bool
	exclude []string
	source  OffsetSource
}

// AllocOption adjusts an Allocate call.
type AllocOption func(*allocConfig)

// WithSeed seeds the random offset source, making the probe sequence - and
// therefore the allocated address - reproducible. This exists for tests;
// production allocation runs unseeded.
func WithSeed(seed string) AllocOption {
	return func(c *allocConfig) {
		c.seed = seed
		c.hasSeed = true
	}
}

// WithExclude marks addresses as unavailable for this allocation, typically
// the network gateway.
func WithExclude(addrs ...string) AllocOption {
	return func(c *allocConfig) {
		c.exclude = append(c.exclude, addrs...)
	}
}

// WithOffsetSource replaces the random offset source entirely. Test hook.
func WithOffsetSource(src OffsetSource) AllocOption {
	return func(c *allocConfig) {
		c.source = src
	}
}

// Allocate picks an unused address in network/prefix. The address family is
// taken from the parsed network, and the corresponding index (mds_ipv4 or
// mds_ipv6) supplies the already-allocated set; recorded addresses outside
// the target subnet are ignored. The network and broadcast addresses and
// any explicit excludes are also unavailable.
//
// Free addresses are found by random probing: draw an offset, test the
// address, retry on collision. The loop is bounded by the subnet size - once
// every address is known unavailable it returns ErrNoFreeAddresses, which
// callers treat as a normal outcome.
func (s *Store) Allocate(network, prefix string, opts ...AllocOption) (string, error) {
	cfg := &allocConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	pfx, err := netip.ParsePrefix(network + "/" + prefix)
	if err != nil {
		return "", fmt.Errorf("parsing network %s/%s: %w", network, prefix, err)
	}
	field := "mds_ipv4"
	if pfx.Addr().Is6() {
		field = "mds_ipv6"
	}

	base, size := subnetRange(pfx)

	// only in-subnet addresses go in the unavailable set, so that its size
	// against the subnet size is a correct exhaustion test
	unavailable := make(map[string]struct{})
	for addr := range s.indices[field] {
		if a, err := netip.ParseAddr(addr); err == nil && pfx.Contains(a) {
			unavailable[addr] = struct{}{}
		}
	}
	for _, addr := range cfg.exclude {
		if a, err := netip.ParseAddr(addr); err == nil && pfx.Contains(a) {
			unavailable[addr] = struct{}{}
		}
	}
	// the network and broadcast addresses are never usable; for v6 the
	// "broadcast" is just the all-ones host address, which is no loss
	unavailable[pfx.Masked().Addr().String()] = struct{}{}
	last := new(big.Int).Add(base, new(big.Int).Sub(size, big.NewInt(1)))
	unavailable[addrFromInt(last, pfx.Addr().Is6()).String()] = struct{}{}

	source := cfg.source
	if source == nil {
		source = randomSource(cfg)
	}

	tries := 0
	for big.NewInt(int64(len(unavailable))).Cmp(size) < 0 {
		offset := source(size)
		candidate := new(big.Int).Add(base, offset)
		addr := addrFromInt(candidate, pfx.Addr().Is6())
		if _, taken := unavailable[addr.String()]; taken {
			tries++
			continue
		}
		log.Printf("Allocated %s after %d tries", addr, tries)
		return addr.String(), nil
	}
	log.Printf("No free addresses in %s network", pfx)
	return "", fmt.Errorf("%s: %w", pfx, ErrNoFreeAddresses)
}

// subnetRange returns the network address as an integer and the total
// address count. The count can exceed 64 bits (an IPv6 /32 holds 2^96
// addresses), hence big.Int throughout.
func subnetRange(pfx netip.Prefix) (base, size *big.Int) {
	addr := pfx.Masked().Addr()
	base = new(big.Int).SetBytes(addr.AsSlice())
	hostBits := addr.BitLen() - pfx.Bits()
	size = new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	return base, size
}

// addrFromInt converts an address integer back to a netip.Addr of the
// requested family.
func addrFromInt(n *big.Int, v6 bool) netip.Addr {
	width := 4
	if v6 {
		width = 16
	}
	buf := make([]byte, width)
	n.FillBytes(buf)
	addr, _ := netip.AddrFromSlice(buf)
	return addr
}

// randomSource builds the default offset source. A seed string pins the
// PRNG state; without one the source is time-seeded.
func randomSource(cfg *allocConfig) OffsetSource {
	var rng *rand.Rand
	if cfg.hasSeed {
		h := fnv.New64a()
		h.Write([]byte(cfg.seed))
		rng = rand.New(rand.NewSource(int64(h.Sum64())))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return func(max *big.Int) *big.Int {
		return new(big.Int).Rand(rng, max)
	}
}
