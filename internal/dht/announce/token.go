package announce

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

const rotationPeriod = 5 * time.Minute

// TokenManager issues and validates get_peers/announce_peer capability
// tokens, grounded on prxssh-rabbit/internal/dht/token.go's two-generation
// rotating secret bound to the requester's IP. The wire shape is kept
// exactly what message.GenerateToken already produced (two concatenated
// 4-digit decimal numbers, an opaque ASCII string rather than a
// cryptographic hash, per spec.md §4.7) so a deployment without a
// TokenManager still interoperates; only which digits come out is now
// IP-bound and time-windowed instead of pure randomness.
type TokenManager struct {
	mu             sync.RWMutex
	currentSecret  [20]byte
	previousSecret [20]byte
	rotatedAt      time.Time
}

// NewTokenManager seeds both secret generations with fresh randomness.
func NewTokenManager() *TokenManager {
	tm := &TokenManager{rotatedAt: time.Time{}}
	if _, err := rand.Read(tm.currentSecret[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	if _, err := rand.Read(tm.previousSecret[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return tm
}

// Generate returns the capability token an in-flight get_peers/announce_peer
// exchange with ip should use.
func (tm *TokenManager) Generate(ip net.IP) string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return digestToToken(ip, tm.currentSecret)
}

// Validate reports whether token was generated for ip under the current or
// immediately preceding secret generation, giving a token issued just
// before a rotation one more rotation period of grace.
func (tm *TokenManager) Validate(ip net.IP, token string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return token == digestToToken(ip, tm.currentSecret) || token == digestToToken(ip, tm.previousSecret)
}

// Tick rotates the secret once rotationPeriod has elapsed since the last
// rotation, driven by the transport adapter's maintenance cadence.
func (tm *TokenManager) Tick(now time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.rotatedAt.IsZero() && now.Sub(tm.rotatedAt) < rotationPeriod {
		return
	}
	tm.previousSecret = tm.currentSecret
	if _, err := rand.Read(tm.currentSecret[:]); err != nil {
		return
	}
	tm.rotatedAt = now
}

func digestToToken(ip net.IP, secret [20]byte) string {
	h := sha1.New()
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip)
	}
	h.Write(secret[:])
	sum := h.Sum(nil)

	a := binary.BigEndian.Uint16(sum[0:2]) % 10000
	b := binary.BigEndian.Uint16(sum[2:4]) % 10000
	return fmt.Sprintf("%04d%04d", a, b)
}
