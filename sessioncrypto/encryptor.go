// Package sessioncrypto applies authenticated encryption to compressed
// chunk bytes before they reach durable storage, and manages per-session key
// rotation.
//
// Only AEAD modes are supported. The source this was distilled from carried
// an XOR "fallback" path active when no AEAD library was available; that
// path is cryptographically meaningless and is deliberately not ported —
// NewEncryptor refuses to construct anything outside the three declared AEAD
// algorithms (see spec Design Notes, Open Questions).
package sessioncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm tags an AEAD scheme. The tag is carried in every packet and is
// stable across versions; any other value is a hard decrypt error.
type Algorithm string

const (
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
	ChaCha20Poly1305  Algorithm = "chacha20-poly1305"
	AES256GCM         Algorithm = "aes256-gcm"
)

// DefaultKeyRotationInterval is the spec's default key-rotation cadence.
const DefaultKeyRotationInterval = time.Hour

var (
	ErrUnknownAlgorithm    = errors.New("sessioncrypto: unknown algorithm")
	ErrKeyNotFound         = errors.New("sessioncrypto: key id not found")
	ErrDecryptAuthFailure  = errors.New("sessioncrypto: decrypt auth failure")
	ErrAlgorithmMismatch   = errors.New("sessioncrypto: packet algorithm does not match key record")
)

func newAEAD(algo Algorithm, key []byte) (cipher.AEAD, error) {
	switch algo {
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

func keySize(algo Algorithm) int {
	switch algo {
	case XChaCha20Poly1305:
		return chacha20poly1305.KeySize
	case ChaCha20Poly1305:
		return chacha20poly1305.KeySize
	case AES256GCM:
		return 32
	default:
		return 0
	}
}

// keyRecord is a single generation of a session's symmetric key.
type keyRecord struct {
	id        string
	key       []byte
	algorithm Algorithm
	createdAt time.Time
	expiresAt time.Time
	aead      cipher.AEAD
}

// Packet is the self-describing envelope produced by Encrypt and consumed by
// Decrypt, matching the on-wire/on-disk chunk packet format in spec §6: a
// JSON object naming session_id, key_id, algorithm, nonce, ciphertext,
// additional_data, and timestamp. encoding/json already base64-encodes []byte
// fields and renders time.Time as RFC3339 (ISO-8601) UTC, which is exactly
// what the envelope needs, so Marshal/Unmarshal below just apply the tags.
type Packet struct {
	SessionID      string    `json:"session_id"`
	KeyID          string    `json:"key_id"`
	Algorithm      Algorithm `json:"algorithm"`
	Nonce          []byte    `json:"nonce"`
	Ciphertext     []byte    `json:"ciphertext"`
	AdditionalData []byte    `json:"additional_data,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Marshal encodes p as the spec §6 on-wire/on-disk chunk packet envelope.
// This is what durable chunk storage persists — never the plaintext.
func (p *Packet) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPacket decodes a spec §6 chunk packet envelope previously produced
// by Packet.Marshal, e.g. when reading a stored chunk back off disk.
func UnmarshalPacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("sessioncrypto: unmarshal packet: %w", err)
	}
	return &p, nil
}

// Encryptor holds the rotating set of key records for one session. Chunks
// encrypted under a previous key remain decryptable after rotation, so the
// Encryptor never discards old records — it only stops using them for new
// encryptions.
type Encryptor struct {
	mu            sync.Mutex
	sessionID     string
	algorithm     Algorithm
	rotationEvery time.Duration
	current       *keyRecord
	history       map[string]*keyRecord
	nonceCounter  uint64
}

// NewEncryptor constructs an Encryptor for sessionID using algo, issuing an
// initial key record. It returns an error for any algorithm outside the
// three declared AEAD tags — there is no degraded mode.
func NewEncryptor(sessionID string, algo Algorithm, rotationEvery time.Duration) (*Encryptor, error) {
	if rotationEvery <= 0 {
		rotationEvery = DefaultKeyRotationInterval
	}
	e := &Encryptor{
		sessionID:     sessionID,
		algorithm:     algo,
		rotationEvery: rotationEvery,
		history:       make(map[string]*keyRecord),
	}
	if err := e.rotate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encryptor) rotate() error {
	size := keySize(e.algorithm)
	if size == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, e.algorithm)
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("sessioncrypto: generate key: %w", err)
	}
	aead, err := newAEAD(e.algorithm, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec := &keyRecord{
		id:        uuid.NewString(),
		key:       key,
		algorithm: e.algorithm,
		createdAt: now,
		expiresAt: now.Add(e.rotationEvery),
		aead:      aead,
	}
	e.mu.Lock()
	e.current = rec
	e.history[rec.id] = rec
	e.mu.Unlock()
	return nil
}

// Rotate forces a new key record to be issued, e.g. on session reactivation
// or when the rotation interval has elapsed. Chunks already encrypted under
// prior keys remain decryptable.
func (e *Encryptor) Rotate() error {
	return e.rotate()
}

// MaybeRotate rotates if the current key record has passed its expiry.
func (e *Encryptor) MaybeRotate() error {
	e.mu.Lock()
	expired := time.Now().UTC().After(e.current.expiresAt)
	e.mu.Unlock()
	if expired {
		return e.rotate()
	}
	return nil
}

// Encrypt seals plaintext (the compressed chunk bytes) under the current key
// record and returns a self-describing Packet. A fresh random nonce is drawn
// per call. nonceCounter counts encryptions; it is not written into the
// Packet, and the AEAD nonce is random, not counter-derived.
func (e *Encryptor) Encrypt(plaintext, additionalData []byte) (*Packet, error) {
	e.mu.Lock()
	rec := e.current
	e.nonceCounter++
	e.mu.Unlock()

	nonce := make([]byte, rec.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sessioncrypto: generate nonce: %w", err)
	}
	ciphertext := rec.aead.Seal(nil, nonce, plaintext, additionalData)

	return &Packet{
		SessionID:      e.sessionID,
		KeyID:          rec.id,
		Algorithm:      rec.algorithm,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		AdditionalData: additionalData,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Decrypt opens a Packet using the key record named by p.KeyID, which must
// still be held in this Encryptor's history (current or prior generation).
// A mismatch between the packet's declared algorithm and the key record's
// algorithm, or an authentication failure, is reported distinctly.
func (e *Encryptor) Decrypt(p *Packet) ([]byte, error) {
	e.mu.Lock()
	rec, ok := e.history[p.KeyID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	if rec.algorithm != p.Algorithm {
		return nil, ErrAlgorithmMismatch
	}
	plaintext, err := rec.aead.Open(nil, p.Nonce, p.Ciphertext, p.AdditionalData)
	if err != nil {
		return nil, ErrDecryptAuthFailure
	}
	return plaintext, nil
}

// CurrentKeyID returns the id of the key record new encryptions use.
func (e *Encryptor) CurrentKeyID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.id
}
