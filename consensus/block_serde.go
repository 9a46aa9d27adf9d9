package consensus

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/carry2web/core/signing"
	"github.com/pkg/errors"
)

// block_serde.go implements the canonical binary block format. The layout is
// fixed: identical producers on identical inputs produce identical bytes, so
// the block digest is stable across implementations.
//
// Content layout, little-endian, in field order:
//
//	epoch u64 | round u32 | author u32 | timestamp_ms u64
//	| ancestors:  count u32, then per ancestor (round u32, author u32, digest 32B)
//	| transactions: count u32, then per transaction (len u32, bytes)
//	| commit_votes: count u32, then per vote (commit_index u64, digest 32B)
//
// A signed block is: content_len u32 | content | signature 64B | key_id u32.

// Caps enforced during deserialization so a malformed length prefix cannot
// balloon allocations.
const (
	maxSerializedAncestors    = 1 << 12
	maxSerializedTransactions = 1 << 16
	maxSerializedCommitVotes  = 1 << 12
	maxTransactionBytes       = 1 << 24
)

func serializeBlockContent(block *Block) ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, block.Epoch)
	writeUint32(buf, uint32(block.Round))
	writeUint32(buf, uint32(block.Author))
	writeUint64(buf, block.TimestampMs)

	writeUint32(buf, uint32(len(block.Ancestors)))
	for _, ancestor := range block.Ancestors {
		writeUint32(buf, uint32(ancestor.Round))
		writeUint32(buf, uint32(ancestor.Author))
		buf.Write(ancestor.Digest[:])
	}

	writeUint32(buf, uint32(len(block.Transactions)))
	for _, txn := range block.Transactions {
		if len(txn) > maxTransactionBytes {
			return nil, errors.Errorf(
				"serializeBlockContent: transaction of %d bytes exceeds cap", len(txn))
		}
		writeUint32(buf, uint32(len(txn)))
		buf.Write(txn)
	}

	writeUint32(buf, uint32(len(block.CommitVotes)))
	for _, vote := range block.CommitVotes {
		writeUint64(buf, uint64(vote.Index))
		buf.Write(vote.Digest[:])
	}
	return buf.Bytes(), nil
}

// SerializeSignedBlock produces the canonical wire bytes of a signed block.
func SerializeSignedBlock(signed *SignedBlock) ([]byte, error) {
	content, err := serializeBlockContent(&signed.Block)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	writeUint32(buf, uint32(len(content)))
	buf.Write(content)
	buf.Write(signed.Signature[:])
	writeUint32(buf, signed.KeyID)
	return buf.Bytes(), nil
}

// DeserializeSignedBlock parses canonical wire bytes back into a signed
// block. Failures surface as MalformedBlock errors.
func DeserializeSignedBlock(serialized []byte) (*SignedBlock, error) {
	reader := bytes.NewReader(serialized)

	contentLen, err := readUint32(reader)
	if err != nil {
		return nil, newMalformedBlockError(err)
	}
	if uint64(contentLen) != uint64(reader.Len())-uint64(signing.SignatureSize)-4 {
		return nil, newMalformedBlockError(
			errors.Errorf("content length %d does not match remaining bytes %d", contentLen, reader.Len()))
	}

	signed := &SignedBlock{}
	if err := deserializeBlockContent(reader, &signed.Block); err != nil {
		return nil, newMalformedBlockError(err)
	}
	if _, err := io.ReadFull(reader, signed.Signature[:]); err != nil {
		return nil, newMalformedBlockError(err)
	}
	keyID, err := readUint32(reader)
	if err != nil {
		return nil, newMalformedBlockError(err)
	}
	signed.KeyID = keyID
	if reader.Len() != 0 {
		return nil, newMalformedBlockError(
			errors.Errorf("%d trailing bytes after signed block", reader.Len()))
	}
	return signed, nil
}

// SignedContent re-serializes the content portion, used when verifying the
// signature of a deserialized block.
func (signed *SignedBlock) SignedContent() ([]byte, error) {
	return serializeBlockContent(&signed.Block)
}

func deserializeBlockContent(reader *bytes.Reader, block *Block) error {
	var err error
	if block.Epoch, err = readUint64(reader); err != nil {
		return err
	}
	round, err := readUint32(reader)
	if err != nil {
		return err
	}
	block.Round = Round(round)
	author, err := readUint32(reader)
	if err != nil {
		return err
	}
	block.Author = AuthorityIndex(author)
	if block.TimestampMs, err = readUint64(reader); err != nil {
		return err
	}

	ancestorCount, err := readUint32(reader)
	if err != nil {
		return err
	}
	if ancestorCount > maxSerializedAncestors {
		return errors.Errorf("ancestor count %d exceeds cap", ancestorCount)
	}
	if ancestorCount > 0 {
		block.Ancestors = make([]BlockRef, ancestorCount)
		for ii := range block.Ancestors {
			ancestorRound, err := readUint32(reader)
			if err != nil {
				return err
			}
			ancestorAuthor, err := readUint32(reader)
			if err != nil {
				return err
			}
			block.Ancestors[ii].Round = Round(ancestorRound)
			block.Ancestors[ii].Author = AuthorityIndex(ancestorAuthor)
			if _, err := io.ReadFull(reader, block.Ancestors[ii].Digest[:]); err != nil {
				return err
			}
		}
	}

	txnCount, err := readUint32(reader)
	if err != nil {
		return err
	}
	if txnCount > maxSerializedTransactions {
		return errors.Errorf("transaction count %d exceeds cap", txnCount)
	}
	if txnCount > 0 {
		block.Transactions = make([][]byte, txnCount)
		for ii := range block.Transactions {
			txnLen, err := readUint32(reader)
			if err != nil {
				return err
			}
			if txnLen > maxTransactionBytes {
				return errors.Errorf("transaction of %d bytes exceeds cap", txnLen)
			}
			txn := make([]byte, txnLen)
			if _, err := io.ReadFull(reader, txn); err != nil {
				return err
			}
			block.Transactions[ii] = txn
		}
	}

	voteCount, err := readUint32(reader)
	if err != nil {
		return err
	}
	if voteCount > maxSerializedCommitVotes {
		return errors.Errorf("commit vote count %d exceeds cap", voteCount)
	}
	if voteCount > 0 {
		block.CommitVotes = make([]CommitVote, voteCount)
		for ii := range block.CommitVotes {
			index, err := readUint64(reader)
			if err != nil {
				return err
			}
			block.CommitVotes[ii].Index = CommitIndex(index)
			if _, err := io.ReadFull(reader, block.CommitVotes[ii].Digest[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

func readUint32(reader *bytes.Reader) (uint32, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(reader, scratch[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(scratch[:]), nil
}

func readUint64(reader *bytes.Reader) (uint64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(reader, scratch[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(scratch[:]), nil
}
