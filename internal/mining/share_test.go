package mining

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/orebit/stratum/pkg/crypto"
)

func hexU32(v uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return hex.EncodeToString(b)
}

func TestValidateNtimeBounds(t *testing.T) {
	v := &ShareValidator{}
	job := &Job{NTimeValue: 1700000000}

	if !v.validateNtime(hexU32(job.NTimeValue), job) {
		t.Fatal("ntime equal to the job's template time must be accepted")
	}

	if v.validateNtime(hexU32(job.NTimeValue-601), job) {
		t.Fatal("ntime more than 600s before the job's template time must be rejected")
	}

	farFuture := uint32(time.Now().Add(3 * time.Hour).Unix())
	if v.validateNtime(hexU32(farFuture), job) {
		t.Fatal("ntime more than 7200s ahead of wall-clock must be rejected")
	}

	nearFuture := uint32(time.Now().Add(time.Hour).Unix())
	if !v.validateNtime(hexU32(nearFuture), job) {
		t.Fatal("ntime within the future grace window must be accepted")
	}
}

func TestBuildBlockHeaderByteOrder(t *testing.T) {
	v := &ShareValidator{}

	display := make([]byte, 32)
	for i := range display {
		display[i] = byte(i + 1)
	}
	wirePrevHash := crypto.SwapWordOrder(display)

	job := &Job{
		Version:      "00000002",
		PrevHash:     hex.EncodeToString(wirePrevHash),
		Coinbase1:    "01",
		Coinbase2:    "02",
		NBits:        "1d00ffff",
		MerkleBranch: nil,
	}

	share := &Share{
		Extranonce1: "aabbccdd",
		Extranonce2: "00000000",
		Ntime:       hexU32(1700000000),
		Nonce:       hexU32(42),
	}

	header, coinbase, err := v.buildBlock(share, job)
	if err != nil {
		t.Fatalf("buildBlock: %v", err)
	}

	if len(header) != 80 {
		t.Fatalf("header must be 80 bytes, got %d", len(header))
	}
	if len(coinbase) == 0 {
		t.Fatal("coinbase must not be empty")
	}

	// version field is little-endian in the header.
	wantVersion := []byte{0x02, 0x00, 0x00, 0x00}
	if string(header[0:4]) != string(wantVersion) {
		t.Fatalf("version field wrong byte order: got %x want %x", header[0:4], wantVersion)
	}

	// prevhash internal order must equal SwapEndian32 of the wire value.
	wantPrevHash := crypto.SwapEndian32(wirePrevHash)
	if string(header[4:36]) != string(wantPrevHash) {
		t.Fatalf("prevhash field wrong byte order: got %x want %x", header[4:36], wantPrevHash)
	}
}

func TestAssembleBlockHexIncludesAllTransactions(t *testing.T) {
	v := &ShareValidator{}

	header := make([]byte, 80)
	coinbase := []byte{0xde, 0xad, 0xbe, 0xef}
	txs := []Transaction{
		{Data: []byte{0x01, 0x02}},
		{Data: []byte{0x03}},
	}

	blockHex := v.assembleBlockHex(header, coinbase, txs)
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		t.Fatalf("block hex did not decode: %v", err)
	}

	wantLen := len(header) + 1 /* varint tx count */ + len(coinbase) + 2 + 1
	if len(blockBytes) != wantLen {
		t.Fatalf("assembled block has wrong length: got %d want %d", len(blockBytes), wantLen)
	}

	// tx count varint: 3 transactions (coinbase + 2).
	if blockBytes[len(header)] != 3 {
		t.Fatalf("expected tx count varint of 3, got %d", blockBytes[len(header)])
	}
}
