// Package dhtstate holds the small amount of mutable node-wide state that
// both the transaction manager and the controller's periodic maintenance
// loops need to read and write: the local node id (which can be
// regenerated when BEP-42 consensus on our external IP changes), the
// current/previous token secret pair used to mint and validate get_peers
// tokens, and the join-kad flag the routing table keeps current.
//
// Pulled out of the controller into its own leaf package so the
// transaction manager (which needs to read local id and mint tokens) does
// not import the controller package, avoiding an import cycle.
package dhtstate

import (
	"crypto/rand"
	"sync"

	"github.com/yiilian/dht-node/internal/nodeid"
)

// TokenSecretSize is the byte length of a token secret.
const TokenSecretSize = 20

// State is safe for concurrent use. Reads are far more frequent than
// writes (an id/token rotation happens on the order of minutes), so it
// is protected by a reader/writer lock.
type State struct {
	mu sync.RWMutex

	localID       nodeid.Id
	tokenSecret   []byte
	oldTokenSecret []byte
	isJoinKad     bool
}

// New creates a State seeded with localID and a freshly-generated token
// secret (old secret starts equal to the current one so tokens minted
// before the first rotation still validate).
func New(localID nodeid.Id) *State {
	secret := randomSecret()
	return &State{
		localID:        localID,
		tokenSecret:    secret,
		oldTokenSecret: secret,
	}
}

func randomSecret() []byte {
	b := make([]byte, TokenSecretSize)
	if _, err := rand.Read(b); err != nil {
		panic("dhtstate: system randomness unavailable: " + err.Error())
	}
	return b
}

// LocalID returns the current local node id.
func (s *State) LocalID() nodeid.Id {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localID
}

// SetLocalID replaces the local node id, e.g. after IPv4 consensus
// settles on an address the old id isn't BEP-42-valid for.
func (s *State) SetLocalID(id nodeid.Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localID = id
}

// TokenSecrets returns the current and previous token secrets, both of
// which remain valid for incoming announce_peer tokens.
func (s *State) TokenSecrets() (current, previous []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenSecret, s.oldTokenSecret
}

// RotateTokenSecret advances old<-current, current<-fresh random bytes.
func (s *State) RotateTokenSecret() {
	fresh := randomSecret()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldTokenSecret = s.tokenSecret
	s.tokenSecret = fresh
}

// IsJoinKad reports whether the node currently considers itself joined
// to the DHT (at least one verified routing-table entry).
func (s *State) IsJoinKad() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isJoinKad
}

// SetJoinKad updates the join-kad flag; wired as the routing table's
// OnVerifiedCountChange callback.
func (s *State) SetJoinKad(verifiedCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isJoinKad = verifiedCount > 0
}
