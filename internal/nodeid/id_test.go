package nodeid

import (
	"net"
	"testing"
)

func TestIdPrefixMagicFromIPv4(t *testing.T) {
	cases := []struct {
		ip     [4]byte
		seed   byte
		prefix [3]byte
	}{
		{[4]byte{124, 31, 75, 21}, 1, [3]byte{0x5f, 0xbf, 0xbf}},
		{[4]byte{21, 75, 31, 124}, 86, [3]byte{0x5a, 0x3c, 0xe9}},
		{[4]byte{65, 23, 51, 170}, 22, [3]byte{0xa5, 0xd4, 0x32}},
		{[4]byte{84, 124, 73, 14}, 65, [3]byte{0x1b, 0x03, 0x21}},
		{[4]byte{43, 213, 53, 83}, 90, [3]byte{0xe5, 0x6f, 0x6c}},
	}
	for _, c := range cases {
		got := idPrefixMagicFromIPv4(c.ip, c.seed)
		if got.prefix != c.prefix || got.suffix != c.seed {
			t.Errorf("idPrefixMagicFromIPv4(%v, %d) = %x/%x, want %x/%x",
				c.ip, c.seed, got.prefix, got.suffix, c.prefix, c.seed)
		}
	}
}

func TestFromIPRoundTrip(t *testing.T) {
	ip := net.IPv4(124, 31, 75, 21)
	id, err := FromIP(ip)
	if err != nil {
		t.Fatalf("FromIP: %v", err)
	}
	if !id.IsValidForIP(ip, nil) {
		t.Fatalf("generated id %s not valid for %v", id, ip)
	}
}

func TestIsValidForIPRejectsRandom(t *testing.T) {
	ip := net.IPv4(124, 31, 75, 21)
	// A purely random id should essentially never pass BEP-42 validation.
	hits := 0
	for i := 0; i < 64; i++ {
		id := FromRandom()
		if id.IsValidForIP(ip, nil) {
			hits++
		}
	}
	if hits > 1 {
		t.Fatalf("random ids validated too often: %d/64", hits)
	}
}

func TestLoopbackAlwaysValid(t *testing.T) {
	id := FromRandom()
	if !id.IsValidForIP(net.IPv4(127, 0, 0, 1), nil) {
		t.Fatalf("loopback address should always validate")
	}
}

func TestWhitelistBypass(t *testing.T) {
	id := FromRandom()
	ip := net.IPv4(203, 0, 113, 5)
	if id.IsValidForIP(ip, nil) {
		t.Fatalf("unexpected validity without whitelist (flaky if hit, but unlikely)")
	}
	wl := map[string]bool{ip.String(): true}
	if !id.IsValidForIP(ip, wl) {
		t.Fatalf("whitelisted address should always validate")
	}
}

func TestXor(t *testing.T) {
	h1, err := FromHex("0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	h2, err := FromHex("0000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if got := h1.Xor(h2); got != h1 {
		t.Fatalf("h1 xor 0 = %s, want %s", got, h1)
	}
	if got := h1.Xor(h1); got != h2 {
		t.Fatalf("h1 xor h1 = %s, want 0", got)
	}
}

func TestMatchingPrefixBits(t *testing.T) {
	zero := Id{}
	same := Id{}
	if got := zero.MatchingPrefixBits(same); got != 160 {
		t.Errorf("identical ids: got %d, want 160", got)
	}

	var allF Id
	allF[0] = 0xf0
	if got := zero.MatchingPrefixBits(allF); got != 0 {
		t.Errorf("got %d, want 0", got)
	}

	var lead Id
	lead[0] = 0x10
	if got := zero.MatchingPrefixBits(lead); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestMakeMutant(t *testing.T) {
	base := FromRandom()
	mutant, err := MakeMutant(base, 4)
	if err != nil {
		t.Fatalf("MakeMutant: %v", err)
	}
	for i := 0; i < 4; i++ {
		if mutant[i] != base[i] {
			t.Fatalf("byte %d differs: %x vs %x", i, mutant[i], base[i])
		}
	}
	if _, err := MakeMutant(base, 0); err == nil {
		t.Fatalf("expected error for identicalBytes=0")
	}
	if _, err := MakeMutant(base, Size); err == nil {
		t.Fatalf("expected error for identicalBytes=Size")
	}
}

func TestLess(t *testing.T) {
	h1, err := FromHex("0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	h2, err := FromHex("0000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if !h2.Less(h1) {
		t.Fatalf("expected h2 < h1")
	}
	if h1.Less(h2) {
		t.Fatalf("expected h1 not < h2")
	}
}
