package core

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// serializeWithoutNonce returns the byte buffer hashed to derive a block's
// id: everything in the header except the nonce is bound first, matching
// the "deterministic digest of (version, height, previous_hash,
// merkle_root, timestamp, nonce)" rule, with nonce appended by the caller
// once mining/selection has picked one.
func (h BlockHeader) serializeWithoutNonce() []byte {
	prev, _ := hex.DecodeString(h.PrevHash)
	root, _ := hex.DecodeString(h.MerkleRoot)

	buf := make([]byte, 0, 4+8+len(prev)+len(root)+8)
	var versionBytes [4]byte
	binary.LittleEndian.PutUint32(versionBytes[:], h.Version)
	buf = append(buf, versionBytes[:]...)

	var heightBytes [8]byte
	binary.LittleEndian.PutUint64(heightBytes[:], h.Height)
	buf = append(buf, heightBytes[:]...)

	buf = append(buf, prev...)
	buf = append(buf, root...)

	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], uint64(h.Timestamp.UTC().UnixNano()))
	buf = append(buf, tsBytes[:]...)

	return buf
}

// BlockID derives the deterministic block identifier over the full header,
// including the nonce.
func BlockID(h BlockHeader) string {
	buf := h.serializeWithoutNonce()
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], h.Nonce)
	buf = append(buf, nonceBytes[:]...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// TransactionID derives the deterministic transaction identifier over
// (type_tag, canonical_payload, signature), so identical inputs always
// coalesce to the same id — required for Anchoring Service idempotency.
func TransactionID(txType TxType, canonicalPayload, signature []byte) string {
	buf := make([]byte, 0, len(txType)+1+len(canonicalPayload)+len(signature))
	buf = append(buf, []byte(txType)...)
	buf = append(buf, 0x00)
	buf = append(buf, canonicalPayload...)
	buf = append(buf, signature...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
