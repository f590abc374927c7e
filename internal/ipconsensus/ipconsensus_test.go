package ipconsensus

import (
	"net"
	"testing"
)

func TestConsensus(t *testing.T) {
	src := New(2, 4)
	if got := src.Best(); got != nil {
		t.Fatalf("expected no winner yet, got %v", got)
	}

	ip1 := net.ParseIP("1.1.1.1")
	ip2 := net.ParseIP("2.2.2.2")

	src.AddVote(ip1)
	if got := src.Best(); got != nil {
		t.Fatalf("expected no winner after one vote, got %v", got)
	}

	src.AddVote(ip2)
	if got := src.Best(); got != nil {
		t.Fatalf("expected no winner, competing single votes, got %v", got)
	}

	src.AddVote(ip1)
	if got := src.Best(); got == nil || !got.Equal(ip1) {
		t.Fatalf("expected %v, got %v", ip1, got)
	}

	src.AddVote(ip2)
	if got := src.Best(); got == nil || !got.Equal(ip1) {
		t.Fatalf("stable sort: expected %v to remain ahead, got %v", ip1, got)
	}

	src.AddVote(ip2)
	if got := src.Best(); got == nil || !got.Equal(ip2) {
		t.Fatalf("expected dark horse %v to take the lead, got %v", ip2, got)
	}

	src.Decay()
	if got := src.Best(); got == nil || !got.Equal(ip2) {
		t.Fatalf("expected %v to still lead after one decay, got %v", ip2, got)
	}

	src.Decay()
	if got := src.Best(); got != nil {
		t.Fatalf("expected no winner after second decay, got %v", got)
	}
}
