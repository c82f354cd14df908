package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IPHasher produces keyed, epoch-rotated hashes of client addresses so
// rate limiting and abuse logs never hold raw IPs. Keys are derived
// from a pepper per rotation epoch; after rotation old hashes become
// uncorrelatable.
type IPHasher struct {
	interval time.Duration
	pepper   []byte

	mu       sync.RWMutex
	key      []byte
	epoch    int64
	stopChan chan struct{}
	stopOnce sync.Once
}

var ErrBadRotationInterval = errors.New("rotation interval must be >= 15 minutes")

var (
	globalHasher   *IPHasher
	globalHasherMu sync.RWMutex
)

// SetIPHasher installs the process-wide hasher used by request paths
// that have no direct handle on it.
func SetIPHasher(h *IPHasher) {
	globalHasherMu.Lock()
	globalHasher = h
	globalHasherMu.Unlock()
}

func GetIPHasher() (*IPHasher, error) {
	globalHasherMu.RLock()
	defer globalHasherMu.RUnlock()
	if globalHasher == nil {
		return nil, errors.New("IP hasher not initialized")
	}
	return globalHasher, nil
}

func NewIPHasher(pepper []byte, interval time.Duration) (*IPHasher, error) {
	if interval < 15*time.Minute {
		return nil, ErrBadRotationInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		interval: interval,
		pepper:   append([]byte(nil), pepper...),
		stopChan: make(chan struct{}),
	}
	h.epoch = h.epochAt(time.Now())
	h.key = h.deriveKey(h.epoch)
	go h.rotationLoop()
	return h, nil
}

func (h *IPHasher) HashIP(ip string) string {
	h.mu.RLock()
	key, epoch := h.key, h.epoch
	h.mu.RUnlock()
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("hmac-sha256:%d:%s", epoch, hex.EncodeToString(mac.Sum(nil)))
}

func (h *IPHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.interval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "ip-hasher-v1:%d", epoch)
	return mac.Sum(nil)
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case now := <-ticker.C:
			epoch := h.epochAt(now)
			h.mu.Lock()
			if epoch != h.epoch {
				Wipe(h.key)
				h.epoch = epoch
				h.key = h.deriveKey(epoch)
				Debug().Int64("epoch", epoch).Msg("rotated IP hasher key")
			}
			h.mu.Unlock()
		}
	}
}

func (h *IPHasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.Lock()
		Wipe(h.key)
		Wipe(h.pepper)
		h.key = nil
		h.pepper = nil
		h.mu.Unlock()
	})
}
