package signing

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Signer is a wrapper for the PrivateKey type, which abstracts away the
// private key and only exposes protected methods for signing the select set
// of message types the consensus engine needs. Each message type carries its
// own intent op-code so there is no risk of signature collisions between
// different message types signed with the same key.
type Signer struct {
	privateKey *PrivateKey
}

// Intent op-codes for the payloads a Signer can produce.
const (
	intentConsensusBlock byte = 0x01
)

func NewSigner(privateKey *PrivateKey) (*Signer, error) {
	if privateKey == nil {
		return nil, errors.New("NewSigner: privateKey cannot be nil")
	}
	return &Signer{privateKey: privateKey}, nil
}

func (signer *Signer) PublicKey() *PublicKey {
	return signer.privateKey.PublicKey()
}

// SignBlock signs the serialized content of a consensus block for the given
// epoch. The epoch is folded into the signed payload so signatures cannot be
// replayed across epochs.
func (signer *Signer) SignBlock(epoch uint64, serializedContent []byte) []byte {
	return signer.privateKey.sign(blockSigningPayload(epoch, serializedContent))
}

// VerifyBlockSignature checks a block signature produced by SignBlock.
func VerifyBlockSignature(publicKey *PublicKey, epoch uint64, serializedContent []byte, sig []byte) bool {
	return publicKey.Verify(blockSigningPayload(epoch, serializedContent), sig)
}

func blockSigningPayload(epoch uint64, serializedContent []byte) []byte {
	payload := make([]byte, 0, 1+8+len(serializedContent))
	payload = append(payload, intentConsensusBlock)
	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], epoch)
	payload = append(payload, epochBytes[:]...)
	payload = append(payload, serializedContent...)
	return payload
}
