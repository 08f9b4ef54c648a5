package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
)

// rawKeyBytes is the entropy of a freshly minted key; 24 bytes hex-encode to
// 48 characters after the display prefix.
const rawKeyBytes = 24

// Minter generates API key material: a plaintext bearer shown exactly once
// and the persistable record carrying only its keyed hash.
type Minter struct {
	secret string
	now    func() time.Time
}

// NewMinter returns a Minter hashing with the given server-side secret.
func NewMinter(secret string) (*Minter, error) {
	if secret == "" {
		return nil, errors.New("auth: hashing secret must not be empty")
	}
	return &Minter{secret: secret, now: time.Now}, nil
}

// Mint creates a new owner-scoped key for userID. It returns the plaintext
// bearer, which is never stored and cannot be recovered, and the APIKey
// record ready for persistence.
func (m *Minter) Mint(userID, name string) (string, *relay.APIKey, error) {
	raw := make([]byte, rawKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}

	plaintext := relay.KeyDisplayPrefix + hex.EncodeToString(raw)
	hash := relay.HashKey(m.secret, plaintext)
	now := m.now().UTC()

	key := &relay.APIKey{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        userID,
		Name:          name,
		KeyHash:       hash,
		KeyHashPrefix: relay.HashPrefix(hash),
		KeyDisplay:    displayForm(plaintext),
		Scope:         relay.ScopeOwner,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return plaintext, key, nil
}

// displayForm truncates a plaintext key for dashboards: prefix plus the
// first eight characters of the random part.
func displayForm(plaintext string) string {
	const visible = len(relay.KeyDisplayPrefix) + 8
	if len(plaintext) <= visible {
		return plaintext
	}
	return plaintext[:visible] + "..."
}
