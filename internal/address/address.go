// Package address decodes pool payout addresses into the scriptPubKey
// bytes a coinbase output needs.
package address

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/orebit/stratum/pkg/crypto"
)

// ScriptPubKey derives a P2PKH or P2WPKH output script from a pool
// payout address. Base58check addresses (version byte 0x00 on mainnet,
// 0x6f on testnet) decode to P2PKH; bech32 addresses ("bc1"/"tb1"
// prefix, witness version 0) decode to P2WPKH. Any other form is
// rejected so the coordinator fails at startup rather than mining to an
// address it cannot pay.
func ScriptPubKey(addr string) ([]byte, error) {
	if script, err := p2wpkhScript(addr); err == nil {
		return script, nil
	}

	if script, err := p2pkhScript(addr); err == nil {
		return script, nil
	}

	return nil, fmt.Errorf("unsupported pool address format: %q", addr)
}

// p2pkhScript decodes a base58check address into OP_DUP OP_HASH160
// <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG.
func p2pkhScript(addr string) ([]byte, error) {
	decoded, version, err := base58CheckDecode(addr)
	if err != nil {
		return nil, err
	}

	if len(decoded) != 20 {
		return nil, fmt.Errorf("address payload is %d bytes, want 20", len(decoded))
	}

	// Mainnet pubkey-hash version is 0x00; testnet/regtest is 0x6f.
	if version != 0x00 && version != 0x6f {
		return nil, fmt.Errorf("unsupported base58 version byte 0x%02x", version)
	}

	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14) // OP_DUP OP_HASH160 <push 20>
	script = append(script, decoded...)
	script = append(script, 0x88, 0xac) // OP_EQUALVERIFY OP_CHECKSIG
	return script, nil
}

// p2wpkhScript decodes a bech32 address into OP_0 <20-byte hash>.
func p2wpkhScript(addr string) ([]byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return nil, err
	}

	if hrp != "bc" && hrp != "tb" && hrp != "bcrt" {
		return nil, fmt.Errorf("unsupported bech32 human-readable part %q", hrp)
	}

	if len(data) < 1 {
		return nil, fmt.Errorf("empty bech32 payload")
	}

	witnessVersion := data[0]
	if witnessVersion != 0 {
		return nil, fmt.Errorf("unsupported witness version %d", witnessVersion)
	}

	converted, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to convert bech32 payload: %w", err)
	}

	if len(converted) != 20 {
		return nil, fmt.Errorf("witness program is %d bytes, want 20 for P2WPKH", len(converted))
	}

	script := make([]byte, 0, 22)
	script = append(script, 0x00, 0x14) // OP_0 <push 20>
	script = append(script, converted...)
	return script, nil
}

// base58CheckDecode decodes a base58check string into its version byte
// and payload, verifying the trailing 4-byte checksum.
func base58CheckDecode(addr string) (payload []byte, version byte, err error) {
	decoded := base58.Decode(addr)
	if len(decoded) < 5 {
		return nil, 0, fmt.Errorf("base58 payload too short")
	}

	payloadWithVersion := decoded[:len(decoded)-4]
	checksum := decoded[len(decoded)-4:]

	want := crypto.DoubleSHA256(payloadWithVersion)[:4]
	for i := range checksum {
		if checksum[i] != want[i] {
			return nil, 0, fmt.Errorf("invalid base58check checksum")
		}
	}

	return payloadWithVersion[1:], payloadWithVersion[0], nil
}
