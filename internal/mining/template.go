// Package mining implements job generation and share validation.
package mining

import (
	"encoding/hex"
	"fmt"

	"github.com/orebit/stratum/internal/rpc"
)

// Transaction is one non-coinbase transaction carried in a block
// template, decoded for reuse in both the merkle branch computation and
// the final block assembly.
type Transaction struct {
	Data []byte // raw serialized transaction
	TxID []byte // internal (little-endian) byte order
}

// BlockTemplate is an immutable snapshot of a candidate block, captured
// from the node's getblocktemplate response. It is replaced wholesale on
// each refresh; nothing mutates it in place.
type BlockTemplate struct {
	Version                  int32
	PreviousBlockHashDisplay []byte // as returned by the node, display (big-endian) order
	Bits                     uint32
	CurTime                  uint32
	Height                   int64
	CoinbaseValue            int64
	Transactions             []Transaction
	WitnessCommitment        []byte // from default_witness_commitment, if segwit rules returned one
}

// NewBlockTemplate converts the raw RPC result into the coordinator's
// internal representation, decoding hashes into the byte order the
// job builder and share validator operate on.
func NewBlockTemplate(result *rpc.BlockTemplateResult) (*BlockTemplate, error) {
	prevHash, err := hex.DecodeString(result.PreviousBlockHash)
	if err != nil || len(prevHash) != 32 {
		return nil, fmt.Errorf("invalid previousblockhash: %w", err)
	}

	bits, err := parseHexUint32(result.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits: %w", err)
	}

	txs := make([]Transaction, 0, len(result.Transactions))
	for i, rawTx := range result.Transactions {
		data, err := hex.DecodeString(rawTx.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction data at index %d: %w", i, err)
		}

		txidDisplay, err := hex.DecodeString(rawTx.TxID)
		if err != nil || len(txidDisplay) != 32 {
			return nil, fmt.Errorf("invalid txid at index %d: %w", i, err)
		}

		txs = append(txs, Transaction{
			Data: data,
			TxID: reverse(txidDisplay), // display -> internal order
		})
	}

	tmpl := &BlockTemplate{
		Version:                  result.Version,
		PreviousBlockHashDisplay: prevHash,
		Bits:                     bits,
		CurTime:                  result.CurTime,
		Height:                   result.Height,
		CoinbaseValue:            result.CoinbaseValue,
		Transactions:             txs,
	}

	if result.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(result.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid default_witness_commitment: %w", err)
		}
		tmpl.WitnessCommitment = commitment
	}

	return tmpl, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
