package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lucid-network/compression"
	"lucid-network/merkle"
	"lucid-network/sessioncrypto"
)

// DefaultAnchorTimeout bounds how long FinalizeCapture waits for the
// Anchoring Service before recording a partial-completion failure.
const DefaultAnchorTimeout = 2 * time.Minute

var allowedTransitions = map[State][]State{
	StatePending:    {StateReady, StateCancelled, StateFailed},
	StateReady:      {StateRecording, StateCancelled, StateFailed},
	StateRecording:  {StateFinalizing, StateFailed},
	StateFinalizing: {StateAnchoring, StateCancelled, StateFailed},
	StateAnchoring:  {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
	StateCancelled:  {},
}

var (
	ErrInvalidTransition = errors.New("pipeline: invalid state transition")
	ErrPaymentUnconfirmed = errors.New("pipeline: payment not confirmed")
)

// Coordinator is the single owner of a Session's lifetime: the only entity
// that mutates Session.State. Every leaf (compressor, encryptor, Merkle
// builder, anchoring client) is invoked through narrow calls; the
// Coordinator decides recovery versus terminal failure for any error a leaf
// reports upward.
type Coordinator struct {
	mu sync.Mutex

	session *Session

	compressor    *compression.Compressor
	encryptor     *sessioncrypto.Encryptor
	merkleBuilder *merkle.Builder
	anchoring     AnchoringClient
	paymentGate   PaymentGate
	storeFn       func(*Chunk) error

	anchorTimeout time.Duration
	stallTotal    time.Duration

	log *logrus.Logger
}

// NewCoordinator constructs a Coordinator owning session, which must start
// in StatePending.
func NewCoordinator(
	session *Session,
	compressor *compression.Compressor,
	encryptor *sessioncrypto.Encryptor,
	merkleAlgo merkle.Algorithm,
	anchoring AnchoringClient,
	paymentGate PaymentGate,
	storeFn func(*Chunk) error,
	log *logrus.Logger,
) (*Coordinator, error) {
	if session.State != "" && session.State != StatePending {
		return nil, fmt.Errorf("pipeline: session must start PENDING, got %s", session.State)
	}
	session.State = StatePending
	builder, err := merkle.NewBuilder(merkleAlgo)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Coordinator{
		session:       session,
		compressor:    compressor,
		encryptor:     encryptor,
		merkleBuilder: builder,
		anchoring:     anchoring,
		paymentGate:   paymentGate,
		storeFn:       storeFn,
		anchorTimeout: DefaultAnchorTimeout,
		log:           log,
	}, nil
}

// SetAnchorTimeout overrides DefaultAnchorTimeout.
func (c *Coordinator) SetAnchorTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorTimeout = d
}

// Session returns a snapshot pointer. Callers outside the Coordinator must
// treat it as read-only; only the Coordinator mutates fields in place.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) transition(to State, detail string) error {
	from := c.session.State
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			c.session.State = to
			c.session.Audit = append(c.session.Audit, AuditEvent{
				Timestamp: time.Now().UTC(),
				From:      from,
				To:        to,
				Detail:    detail,
			})
			c.log.WithFields(logrus.Fields{
				"session_id": c.session.ID,
				"from":       from,
				"to":         to,
			}).Info("session state transition")
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ConfirmPayment transitions PENDING -> READY once the Payment Acceptor (or
// a free-by-policy exemption) has confirmed. It is idempotent-safe to call
// once; a second call on a non-PENDING session returns ErrInvalidTransition.
func (c *Coordinator) ConfirmPayment(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session.FreeByPolicy {
		confirmed, err := c.paymentGate.IsConfirmed(c.session.ID)
		if err != nil {
			return fmt.Errorf("pipeline: check payment: %w", err)
		}
		if !confirmed {
			return ErrPaymentUnconfirmed
		}
	}
	return c.transition(StateReady, "payment confirmed")
}

// CompleteHandshake transitions READY -> RECORDING once the RDP handler has
// verified the owner's signature and negotiated the session's ephemeral key.
// policy is the owner-signed capability set carried in the handshake's
// AuthBlob; it is recorded on the session so the RDP Protocol Handler
// enforces it for the remainder of the connection.
func (c *Coordinator) CompleteHandshake(ownerAddress string, policy Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(StateRecording, "rdp handshake ok"); err != nil {
		return err
	}
	c.session.OwnerAddress = ownerAddress
	c.session.Policy = policy
	c.session.ConnectedAt = time.Now().UTC()
	return nil
}

// IngestChunk runs one chunk through compression, encryption, and the Merkle
// builder, then durably stores it via storeFn, in that order. It is the only
// path by which a chunk advances past ChunkPending, and it preserves strict
// chunk-index order because callers are expected to invoke it in the order
// the Chunk Assembler emits chunks.
func (c *Coordinator) IngestChunk(raw *Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State != StateRecording {
		return fmt.Errorf("pipeline: cannot ingest chunk in state %s", c.session.State)
	}
	if raw.Index != c.session.nextChunkIndex {
		return fmt.Errorf("pipeline: chunk index gap: want %d got %d", c.session.nextChunkIndex, raw.Index)
	}

	compressed, err := c.compressor.Compress(raw.RawBytes)
	if err != nil {
		return fmt.Errorf("pipeline: compress chunk %d: %w", raw.Index, err)
	}
	pkt, err := c.encryptor.Encrypt(compressed, []byte(c.session.ID))
	if err != nil {
		return fmt.Errorf("pipeline: encrypt chunk %d: %w", raw.Index, err)
	}
	leafHash, err := c.merkleBuilder.AddLeaf(pkt.Ciphertext)
	if err != nil {
		return fmt.Errorf("pipeline: merkle add leaf %d: %w", raw.Index, err)
	}
	packet, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("pipeline: marshal chunk packet %d: %w", raw.Index, err)
	}

	raw.CompressionAlgo = c.compressor.Algorithm
	raw.EncryptionAlgo = pkt.Algorithm
	raw.CiphertextSize = len(pkt.Ciphertext)
	raw.ContentHash = leafHash
	raw.EncryptedPacket = packet
	raw.State = ChunkEncrypted

	start := time.Now()
	if err := c.storeFn(raw); err != nil {
		return fmt.Errorf("pipeline: store chunk %d: %w", raw.Index, err)
	}
	c.stallTotal += time.Since(start)

	raw.State = ChunkStored
	raw.RawBytes = nil        // plaintext: never durably stored
	raw.EncryptedPacket = nil // stored durably; no longer held in memory
	c.session.Chunks = append(c.session.Chunks, raw)
	c.session.nextChunkIndex++
	c.session.BytesIn += uint64(raw.OriginalSize)
	c.session.BytesOut += uint64(raw.CiphertextSize)
	return nil
}

// ProcessChunks drains chunkCh, calling IngestChunk for each in order, until
// the channel closes or ctx is cancelled.
func (c *Coordinator) ProcessChunks(ctx context.Context, chunkCh <-chan *Chunk) error {
	for {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				return nil
			}
			if err := c.IngestChunk(chunk); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) buildManifest() (Manifest, error) {
	desc, err := c.merkleBuilder.Finalize()
	if err != nil {
		return Manifest{}, err
	}
	c.session.MerkleTree = desc

	hashes := make([][]byte, len(c.session.Chunks))
	var total uint64
	for i, ch := range c.session.Chunks {
		hashes[i] = ch.ContentHash
		total += uint64(ch.OriginalSize)
	}
	m := Manifest{
		SessionID:      c.session.ID,
		UserID:         c.session.OwnerAddress,
		CreatedAt:      time.Now().UTC(),
		TotalChunks:    uint64(len(c.session.Chunks)),
		TotalSizeBytes: total,
		MerkleRoot:     desc.Root,
		ChunkHashes:    hashes,
	}
	c.session.Manifest = &m
	return m, nil
}

// FinalizeCapture transitions RECORDING -> FINALIZING -> ANCHORING, builds
// the manifest, and submits it to the Anchoring Service, waiting up to
// anchorTimeout for confirmation. On success the session reaches COMPLETED;
// on timeout or anchoring error it fails, but the Merkle root remains on the
// session (via session.MerkleTree) so external retry stays possible.
func (c *Coordinator) FinalizeCapture(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(StateFinalizing, "capture eof"); err != nil {
		c.mu.Unlock()
		return err
	}
	manifest, err := c.buildManifest()
	if err != nil {
		c.transition(StateFailed, fmt.Sprintf("merkle finalize failed: %v", err))
		c.mu.Unlock()
		return err
	}
	if err := c.transition(StateAnchoring, "merkle built"); err != nil {
		c.mu.Unlock()
		return err
	}
	timeout := c.anchorTimeout
	c.mu.Unlock()

	type submitResult struct {
		res AnchorResult
		err error
	}
	done := make(chan submitResult, 1)
	go func() {
		res, err := c.anchoring.Submit(c.session.ID, manifest)
		done <- submitResult{res, err}
	}()

	select {
	case r := <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if r.err != nil {
			c.transition(StateFailed, fmt.Sprintf("anchoring failed: %v (root=%x retrievable)", r.err, manifest.MerkleRoot))
			return r.err
		}
		c.session.Anchor = &r.res
		return c.transition(StateCompleted, "anchor confirmed")
	case <-time.After(timeout):
		c.mu.Lock()
		defer c.mu.Unlock()
		c.transition(StateFailed, fmt.Sprintf("anchoring timeout after %s (root=%x retrievable)", timeout, manifest.MerkleRoot))
		return fmt.Errorf("pipeline: anchoring timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelPending cancels a session still in PENDING or READY (e.g. on
// expiry).
func (c *Coordinator) CancelPending(detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(StateCancelled, detail)
}

// CancelRecording implements spec Scenario 5: cancellation while RECORDING.
// Capture must already have been halted by the caller (the RDP handler /
// capture driver stops feeding the Chunk Assembler); any chunk still
// buffered there should be flushed and passed through IngestChunk before
// this is called. CancelRecording finalizes the Merkle tree over whatever
// chunks were durably stored, records a terminal cancelled audit event with
// the partial manifest, and deliberately skips anchoring.
func (c *Coordinator) CancelRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(StateFinalizing, "cancellation requested during recording"); err != nil {
		return err
	}
	if _, err := c.buildManifest(); err != nil {
		c.transition(StateFailed, fmt.Sprintf("merkle finalize failed during cancellation: %v", err))
		return err
	}
	return c.transition(StateCancelled, "cancelled during capture; no anchor attempted")
}

// Fail transitions the session to FAILED from any non-terminal state,
// recording detail as the terminal audit event.
func (c *Coordinator) Fail(detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(StateFailed, detail)
}

// StallDuration reports cumulative time IngestChunk spent blocked in
// storeFn, the back-pressure signal the Coordinator records per spec §4.4.
func (c *Coordinator) StallDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stallTotal
}
