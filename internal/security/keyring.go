package security

import (
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-gateway/backend/internal/platform/apperr"
)

// dataKey is a rotating symmetric key. key is zeroed when the entry is evicted from history.
type dataKey struct {
	id        string
	key       []byte
	createdAt time.Time
}

func (c *Cipher) newDataKey() (*dataKey, error) {
	b := make([]byte, c.cfg.KeyLength)
	if _, err := io.ReadFull(c.random, b); err != nil {
		return nil, err
	}
	return &dataKey{id: uuid.NewString(), key: b, createdAt: c.nowF()}, nil
}

// currentKey returns a copy of the current key and its id. Callers zero the copy after use.
func (c *Cipher) currentKey() ([]byte, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.current.key...), c.current.id
}

// keyByID returns a copy of the current or a retained key. An empty id means the current key.
func (c *Cipher) keyByID(id string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" || id == c.current.id {
		return append([]byte(nil), c.current.key...), true
	}
	for _, k := range c.history {
		if k.id == id {
			return append([]byte(nil), k.key...), true
		}
	}
	return nil, false
}

// CurrentKeyID returns the id of the key used for new password-less blobs.
func (c *Cipher) CurrentKeyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.id
}

// KeyHistoryLen returns the number of retired keys still retained.
func (c *Cipher) KeyHistoryLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

// RotateKey promotes a fresh key to current and retires the previous one into the bounded history.
// The oldest retained key is evicted and zeroed once the history exceeds KeyHistorySize.
// Existing blobs are not re-encrypted.
func (c *Cipher) RotateKey() (newKeyID string, err error) {
	const op = "security.RotateKey"
	defer apperr.Recover(op, &err)

	next, err := c.newDataKey()
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, op, err)
	}

	c.mu.Lock()
	retired := c.current
	c.current = next
	c.history = append([]*dataKey{retired}, c.history...)
	var evicted []*dataKey
	if len(c.history) > c.cfg.KeyHistorySize {
		evicted = c.history[c.cfg.KeyHistorySize:]
		c.history = c.history[:c.cfg.KeyHistorySize:c.cfg.KeyHistorySize]
	}
	for _, k := range evicted {
		zero(k.key)
		k.key = nil
	}
	c.mu.Unlock()

	c.logger.Info("encryption key rotated",
		zap.String("key_id", next.id),
		zap.String("retired_key_id", retired.id),
		zap.Int("evicted", len(evicted)),
	)
	if c.listener != nil {
		c.listener.OnKeyRotated(next.id, retired.id)
	}
	return next.id, nil
}
