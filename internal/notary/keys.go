package notary

import (
	"encoding/binary"
	"fmt"

	"github.com/google/orderedcode"
)

const (
	prefixConsumed = "consumed"
	prefixIssued   = "issued"
	prefixOutput   = "output"
	prefixTx       = "tx"
	prefixSequence = "seq"
	prefixHeight   = "height"
)

func consumedKey(linearID string, iteration int64) ([]byte, error) {
	return orderedcode.Append(nil, prefixConsumed, linearID, iteration)
}

func issuedKey(linearID string) ([]byte, error) {
	return orderedcode.Append(nil, prefixIssued, linearID)
}

func outputKey(linearID string, iteration int64) ([]byte, error) {
	return orderedcode.Append(nil, prefixOutput, linearID, iteration)
}

func txKey(txID string) ([]byte, error) {
	return orderedcode.Append(nil, prefixTx, txID)
}

func sequenceKey(seq int64) ([]byte, error) {
	return orderedcode.Append(nil, prefixSequence, seq)
}

func heightKey() ([]byte, error) {
	return orderedcode.Append(nil, prefixHeight)
}

func parseSequenceKey(key []byte) (int64, error) {
	var (
		prefix string
		seq    int64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &seq)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence key: %w", err)
	}
	if len(remaining) != 0 || prefix != prefixSequence {
		return 0, fmt.Errorf("unexpected sequence key: %x", key)
	}
	return seq, nil
}

func int64FromBytes(bz []byte) int64 {
	v, _ := binary.Varint(bz)
	return v
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, i)
	return buf[:n]
}
