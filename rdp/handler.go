// Package rdp implements the RDP Protocol Handler: it accepts RDP
// connections over an onion-exposed listener, performs a minimal handshake
// to establish owner identity and a per-session ephemeral key, and forwards
// observed PDUs to the Session Pipeline Coordinator. It does not implement
// RDP semantics beyond framing — PDU payloads are treated opaquely except
// for the policy-relevant type tag and, for bitmap-update PDUs, the
// privacy-shield redaction pass.
package rdp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"lucid-network/pipeline"
)

// MaxPacketBytes is the spec's max-packet-size ceiling (8 KiB). Any declared
// frame length above this is rejected without being read further.
const MaxPacketBytes = 8192

// DefaultHandshakeTimeout is the spec's handshake deadline.
const DefaultHandshakeTimeout = 15 * time.Second

// PDUType tags the known RDP PDU subtypes whose policy disposition matters.
// Any other byte value is treated as unknown and denied by default.
type PDUType byte

const (
	PDUInput        PDUType = 0x01
	PDUClipboard    PDUType = 0x02
	PDUFileTransfer PDUType = 0x03
	PDUBitmapUpdate PDUType = 0x04
	PDUControl      PDUType = 0x05
)

var (
	ErrPacketTooLarge     = errors.New("rdp: declared packet length exceeds ceiling")
	ErrHandshakeTimeout   = errors.New("rdp: handshake timed out")
	ErrHandshakeMalformed = errors.New("rdp: malformed handshake")
	ErrSignatureInvalid   = errors.New("rdp: owner signature verification failed")
)

// PDU is one framed protocol data unit: a 4-byte big-endian length prefix
// (header + body), a 1-byte type tag, and an opaque body.
type PDU struct {
	Type PDUType
	Body []byte
}

const frameHeaderBytes = 4 + 1

// ReadPDU reads one framed PDU from r, enforcing MaxPacketBytes on the
// declared total frame length before reading the body.
func ReadPDU(r io.Reader) (*PDU, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(header[:4])
	if total > MaxPacketBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, total, MaxPacketBytes)
	}
	if total < frameHeaderBytes {
		return nil, fmt.Errorf("%w: declared length %d shorter than header", ErrHandshakeMalformed, total)
	}
	bodyLen := total - frameHeaderBytes
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &PDU{Type: PDUType(header[4]), Body: body}, nil
}

// WritePDU frames and writes pdu to w.
func WritePDU(w io.Writer, pdu *PDU) error {
	total := uint32(frameHeaderBytes + len(pdu.Body))
	if total > MaxPacketBytes {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, total, MaxPacketBytes)
	}
	buf := make([]byte, 0, total)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], total)
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, byte(pdu.Type))
	buf = append(buf, pdu.Body...)
	_, err := w.Write(buf)
	return err
}

// Violation is a typed policy-denial event.
type Violation struct {
	Kind   string // input-denied, clipboard-denied, file-transfer-denied, resource-access-denied, policy-mismatch, unauthorized-action
	Detail string
}

// DispatchResult is the handler's decision for one PDU.
type DispatchResult struct {
	Forward   bool
	Kind      pipeline.PayloadKind
	Body      []byte
	Violation *Violation
	Critical  bool // policy-mismatch / unauthorized-action: caller must fail the session
}

// Handler applies policy and the privacy shield to incoming PDUs before
// they reach the pipeline.
type Handler struct {
	PrivacyShieldEnabled bool
	FrameStrideBytes     int // bytes per pixel row, used to interpret RedactionZone on bitmap PDUs
}

// NewHandler constructs a Handler. frameStrideBytes of 0 disables privacy
// shielding even if enabled is true, since zone math would be meaningless.
func NewHandler(enabled bool, frameStrideBytes int) *Handler {
	return &Handler{PrivacyShieldEnabled: enabled, FrameStrideBytes: frameStrideBytes}
}

func capabilityFor(t PDUType) (string, pipeline.PayloadKind, bool) {
	switch t {
	case PDUInput:
		return "input", pipeline.PayloadControl, true
	case PDUClipboard:
		return "clipboard", pipeline.PayloadMetadata, true
	case PDUFileTransfer:
		return "file-transfer", pipeline.PayloadMetadata, true
	case PDUBitmapUpdate:
		return "", pipeline.PayloadVideoFrame, true
	case PDUControl:
		return "", pipeline.PayloadControl, true
	default:
		return "", "", false
	}
}

// Dispatch consults policy for pdu's type and, for bitmap-update PDUs,
// applies the privacy shield before the body is forwarded.
func (h *Handler) Dispatch(pdu *PDU, policy pipeline.Policy) DispatchResult {
	capability, kind, known := capabilityFor(pdu.Type)
	if !known {
		return DispatchResult{
			Violation: &Violation{Kind: "unauthorized-action", Detail: fmt.Sprintf("unknown pdu type 0x%02x", byte(pdu.Type))},
			Critical:  true,
		}
	}
	if capability != "" && !policy.Allows(capability) {
		return DispatchResult{
			Violation: &Violation{Kind: capability + "-denied", Detail: "denied by session policy"},
		}
	}

	body := pdu.Body
	if pdu.Type == PDUBitmapUpdate && h.PrivacyShieldEnabled {
		body = ApplyPrivacyShield(body, policy.PrivacyShieldZones, h.FrameStrideBytes)
	}

	return DispatchResult{Forward: true, Kind: kind, Body: body}
}

// ApplyPrivacyShield zeroes the byte ranges covered by zones within body,
// treating body as row-major pixel data with the given stride (bytes per
// row). Zones entirely outside body are ignored; zones are clamped to
// body's bounds.
func ApplyPrivacyShield(body []byte, zones []pipeline.RedactionZone, stride int) []byte {
	if stride <= 0 || len(zones) == 0 {
		return body
	}
	out := make([]byte, len(body))
	copy(out, body)
	for _, z := range zones {
		for row := z.Y; row < z.Y+z.Height; row++ {
			rowStart := row * stride
			if rowStart < 0 || rowStart >= len(out) {
				continue
			}
			start := rowStart + z.X
			end := start + z.Width
			if start < rowStart {
				start = rowStart
			}
			rowEnd := rowStart + stride
			if rowEnd > len(out) {
				rowEnd = len(out)
			}
			if end > rowEnd {
				end = rowEnd
			}
			if start >= end || start >= len(out) {
				continue
			}
			for i := start; i < end; i++ {
				out[i] = 0
			}
		}
	}
	return out
}

// HandshakeResult carries what the handler learned about the connecting
// client.
type HandshakeResult struct {
	OwnerAddress  string
	EphemeralKey  *secp256k1.PrivateKey
	ClientVersion byte
	Policy        pipeline.Policy
}

// policyEnvelope is the wire format for the owner-signed capability set sent
// as part of the handshake's AuthBlob; it mirrors pipeline.Policy's
// allow/deny fields. The owner's handshake signature covers these bytes
// verbatim (see challengeDigest), so a tampered policy fails verification
// along with a tampered owner identity.
type policyEnvelope struct {
	DefaultDeny        bool                     `json:"default_deny"`
	AllowInput         bool                     `json:"allow_input"`
	AllowClipboard     bool                     `json:"allow_clipboard"`
	AllowFileTransfer  bool                     `json:"allow_file_transfer"`
	FileTransferPrefix []string                 `json:"file_transfer_prefix,omitempty"`
	AppAllowList       []string                 `json:"app_allow_list,omitempty"`
	PrivacyShieldZones []pipeline.RedactionZone `json:"privacy_shield_zones,omitempty"`
}

// ClientHello is the client's first handshake message: a single declared
// RDP version byte.
type ClientHello struct {
	Version byte
}

// ServerHello is the handler's response: the session's ephemeral public key
// plus a tag naming the session id.
type ServerHello struct {
	EphemeralPubKey [33]byte // compressed secp256k1 point
	SessionIDTag    string
}

// AuthBlob is the client's signed proof of control over its owner address:
// a compressed public key, a DER-encoded ECDSA signature over the session's
// challenge digest (which binds the session id, ephemeral key, and the
// policy envelope below), and the policy envelope itself.
type AuthBlob struct {
	OwnerPubKey [33]byte
	Signature   []byte
	PolicyJSON  []byte
}

// Handshake performs the minimal RDP handshake described in spec §4.5. rw
// must have had its deadline set by the caller to DefaultHandshakeTimeout
// (or an override); Handshake itself does not manage conn deadlines so it
// stays transport-agnostic.
func Handshake(rw io.ReadWriter, sessionID string) (*HandshakeResult, error) {
	var helloBuf [1]byte
	if _, err := io.ReadFull(rw, helloBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read client hello: %v", ErrHandshakeMalformed, err)
	}
	clientVersion := helloBuf[0]

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("rdp: generate ephemeral key: %w", err)
	}
	pub := ephemeral.PubKey().SerializeCompressed()

	var out bytes.Buffer
	out.Write(pub)
	tag := []byte(sessionID)
	var tagLen [2]byte
	binary.BigEndian.PutUint16(tagLen[:], uint16(len(tag)))
	out.Write(tagLen[:])
	out.Write(tag)
	if _, err := rw.Write(out.Bytes()); err != nil {
		return nil, fmt.Errorf("rdp: write server hello: %w", err)
	}

	var ownerPub [33]byte
	if _, err := io.ReadFull(rw, ownerPub[:]); err != nil {
		return nil, fmt.Errorf("%w: read owner pubkey: %v", ErrHandshakeMalformed, err)
	}
	var sigLen [2]byte
	if _, err := io.ReadFull(rw, sigLen[:]); err != nil {
		return nil, fmt.Errorf("%w: read signature length: %v", ErrHandshakeMalformed, err)
	}
	sig := make([]byte, binary.BigEndian.Uint16(sigLen[:]))
	if _, err := io.ReadFull(rw, sig); err != nil {
		return nil, fmt.Errorf("%w: read signature: %v", ErrHandshakeMalformed, err)
	}
	var policyLen [2]byte
	if _, err := io.ReadFull(rw, policyLen[:]); err != nil {
		return nil, fmt.Errorf("%w: read policy length: %v", ErrHandshakeMalformed, err)
	}
	policyJSON := make([]byte, binary.BigEndian.Uint16(policyLen[:]))
	if _, err := io.ReadFull(rw, policyJSON); err != nil {
		return nil, fmt.Errorf("%w: read policy: %v", ErrHandshakeMalformed, err)
	}

	pubKey, err := secp256k1.ParsePubKey(ownerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: parse owner pubkey: %v", ErrHandshakeMalformed, err)
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signature: %v", ErrHandshakeMalformed, err)
	}
	challenge := challengeDigest(sessionID, pub, policyJSON)
	if !parsedSig.Verify(challenge, pubKey) {
		return nil, ErrSignatureInvalid
	}

	var envelope policyEnvelope
	if err := json.Unmarshal(policyJSON, &envelope); err != nil {
		return nil, fmt.Errorf("%w: parse policy: %v", ErrHandshakeMalformed, err)
	}
	policyHash := blake3Sum(policyJSON)

	ownerAddress := ownerAddressFromPubKey(ownerPub)
	return &HandshakeResult{
		OwnerAddress:  ownerAddress,
		EphemeralKey:  ephemeral,
		ClientVersion: clientVersion,
		Policy: pipeline.Policy{
			DefaultDeny:        envelope.DefaultDeny,
			AllowInput:         envelope.AllowInput,
			AllowClipboard:     envelope.AllowClipboard,
			AllowFileTransfer:  envelope.AllowFileTransfer,
			FileTransferPrefix: envelope.FileTransferPrefix,
			AppAllowList:       envelope.AppAllowList,
			PrivacyShieldZones: envelope.PrivacyShieldZones,
			Hash:               policyHash[:],
			OwnerSignature:     sig,
		},
	}, nil
}

// challengeDigest binds the signature to this handshake's session id,
// ephemeral key, and policy envelope, so a captured signature cannot be
// replayed against another session or attached to a tampered policy.
func challengeDigest(sessionID string, ephemeralPub []byte, policyJSON []byte) []byte {
	buf := append([]byte(sessionID), ephemeralPub...)
	buf = append(buf, policyJSON...)
	h := blake3Sum(buf)
	return h[:]
}

// ownerAddressFromPubKey derives a stable textual address from a compressed
// public key. The exact encoding is internal to this module; only its
// stability and uniqueness per key matter to callers.
func ownerAddressFromPubKey(pub [33]byte) string {
	sum := blake3Sum(pub[:])
	return fmt.Sprintf("lucid1%x", sum[:20])
}

// randomNonce returns n bytes from crypto/rand. Nothing in the package,
// its tests included, calls it at present.
func randomNonce(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
