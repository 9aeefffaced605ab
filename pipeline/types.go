// Package pipeline implements the per-session recorder-to-anchor pipeline:
// capture -> chunk -> compress -> encrypt -> Merkle-build -> manifest ->
// blockchain anchor. The Session Pipeline Coordinator is the sole mutator of
// a Session's state; every other component reports events upward through
// narrow interfaces, following the "no hidden global state" redesign note.
package pipeline

import (
	"time"

	"lucid-network/compression"
	"lucid-network/merkle"
	"lucid-network/sessioncrypto"
)

// PayloadKind tags the kind of bytes a CaptureSource emits.
type PayloadKind string

const (
	PayloadVideoFrame PayloadKind = "video_frame"
	PayloadAudioFrame PayloadKind = "audio_frame"
	PayloadMetadata   PayloadKind = "metadata"
	PayloadControl    PayloadKind = "control"
)

// Payload is one unit read from a CaptureSource.
type Payload struct {
	Kind      PayloadKind
	Timestamp time.Time
	Data      []byte
}

// PayloadDescriptor records provenance for bytes folded into a Chunk,
// without retaining the raw bytes themselves.
type PayloadDescriptor struct {
	Kind      PayloadKind
	Timestamp time.Time
	Size      int
}

// ChunkState is a chunk's lifecycle state. Chunks are append-only; no
// in-place mutation is permitted once a chunk reaches ChunkStored.
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkUploaded  ChunkState = "uploaded"
	ChunkEncrypted ChunkState = "encrypted"
	ChunkStored    ChunkState = "stored"
	ChunkFailed    ChunkState = "failed"
)

// Chunk is an immutable record (once Stored) inside a Session.
type Chunk struct {
	Index           int
	Descriptors     []PayloadDescriptor
	RawBytes        []byte
	OriginalSize    int
	CiphertextSize  int
	ContentHash     []byte
	CompressionAlgo compression.Algorithm
	EncryptionAlgo  sessioncrypto.Algorithm
	// EncryptedPacket is the serialized spec §6 chunk packet envelope
	// (sessioncrypto.Packet.Marshal) — the ciphertext, nonce, key id, and
	// algorithm tag. This, never RawBytes, is what storeFn must persist.
	EncryptedPacket []byte
	StorageLocator  string
	State           ChunkState
}

// State is one of the Session Pipeline Coordinator's lifecycle states.
type State string

const (
	StatePending    State = "PENDING"
	StateReady      State = "READY"
	StateRecording  State = "RECORDING"
	StateFinalizing State = "FINALIZING"
	StateAnchoring  State = "ANCHORING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// AuditEvent is one append-only entry in a Session's audit trail.
type AuditEvent struct {
	Timestamp time.Time
	From      State
	To        State
	Detail    string
}

// MerkleDescriptor is an alias of merkle.Descriptor; a Session holds the
// builder's finalized descriptor through a pointer (Session.MerkleTree).
type MerkleDescriptor = merkle.Descriptor

// AnchorResult is the blockchain-side confirmation the Coordinator receives
// back once a manifest is anchored. It is a value type owned by pipeline so
// that pipeline never needs to import the core (blockchain) package;
// whichever concrete Anchoring Service implementation is wired in populates
// this shape through the AnchoringClient interface below.
type AnchorResult struct {
	BlockHeight       uint64
	BlockID           string
	TransactionID     string
	AnchoredRoot      []byte
	AnchoredAt        time.Time
	ConfirmationCount int
	Verified          bool
}

// Manifest is the compact session summary submitted to the Anchoring
// Service, matching the wire shape in spec §6.
type Manifest struct {
	SessionID      string
	UserID         string
	CreatedAt      time.Time
	TotalChunks    uint64
	TotalSizeBytes uint64
	MerkleRoot     []byte
	ChunkHashes    [][]byte
	Metadata       map[string]any
	Signature      []byte
}

// AnchoringClient is the narrow capability interface the Coordinator uses to
// submit a finished manifest. Implementations must be idempotent: submitting
// the same manifest twice yields the same transaction id.
type AnchoringClient interface {
	Submit(sessionID string, m Manifest) (AnchorResult, error)
}

// PaymentGate reports whether a session's activation payment (or free-policy
// exemption) has been confirmed. The Coordinator polls or is notified
// through this interface before leaving PENDING.
type PaymentGate interface {
	IsConfirmed(sessionID string) (bool, error)
}

// Policy is the per-session, signed capability set the RDP handler and
// Coordinator consult. It is immutable for a session's lifetime.
type Policy struct {
	DefaultDeny        bool
	AllowInput         bool
	AllowClipboard     bool
	AllowFileTransfer  bool
	FileTransferPrefix []string
	AppAllowList       []string
	PrivacyShieldZones []RedactionZone
	Hash               []byte
	OwnerSignature     []byte
}

// RedactionZone is an opaque rectangle the privacy shield blanks out of
// bitmap-update PDUs before they reach the pipeline.
type RedactionZone struct {
	X, Y, Width, Height int
}

// Allows reports whether the policy permits the named capability.
func (p Policy) Allows(capability string) bool {
	if p.DefaultDeny {
		switch capability {
		case "input":
			return p.AllowInput
		case "clipboard":
			return p.AllowClipboard
		case "file-transfer":
			return p.AllowFileTransfer
		default:
			return false
		}
	}
	return true
}

// Session is the primary aggregate: one end-to-end recording instance from
// RDP handshake to anchor. It is exclusively owned and mutated by a
// Coordinator for the duration of its lifetime.
type Session struct {
	ID              string
	OwnerAddress    string
	Policy          Policy
	State           State
	ConnectedAt     time.Time
	ClosedAt        time.Time
	BytesIn         uint64
	BytesOut        uint64
	Chunks          []*Chunk
	MerkleTree      *MerkleDescriptor
	Anchor          *AnchorResult
	Manifest        *Manifest
	Audit           []AuditEvent
	FreeByPolicy    bool
	nextChunkIndex  int
}
