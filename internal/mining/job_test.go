package mining

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/orebit/stratum/internal/config"
	"github.com/orebit/stratum/internal/rpc"
	"github.com/orebit/stratum/pkg/crypto"

	"go.uber.org/zap"
)

func testMiningConfig() config.MiningConfig {
	return config.MiningConfig{
		PoolScriptPubKey: []byte{0x76, 0xa9, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 0x88, 0xac},
		PoolMessage:      "/orebit/",
		Extranonce1Size:  4,
		Extranonce2Size:  4,
		JobRetention:     8,
	}
}

func makeTemplate(height int64, prevHash byte, numTx int) *BlockTemplate {
	prev := make([]byte, 32)
	prev[0] = prevHash

	txs := make([]Transaction, numTx)
	for i := range txs {
		data := []byte{byte(i), byte(i), byte(i)}
		txid := crypto.DoubleSHA256(data)
		txs[i] = Transaction{Data: data, TxID: txid}
	}

	return &BlockTemplate{
		Version:                  2,
		PreviousBlockHashDisplay: prev,
		Bits:                     0x1d00ffff,
		CurTime:                  uint32(time.Now().Unix()),
		Height:                   height,
		CoinbaseValue:            5000000000,
		Transactions:             txs,
	}
}

func TestCreateJobCleanJobsOnNewHeight(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop(), nil)

	job1, err := jm.CreateJob(makeTemplate(100, 0xaa, 2))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job1.CleanJobs {
		t.Fatal("first job should always be clean_jobs")
	}

	job2, err := jm.CreateJob(makeTemplate(100, 0xaa, 3))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job2.CleanJobs {
		t.Fatal("a refresh at the same prevhash should not be clean_jobs")
	}

	job3, err := jm.CreateJob(makeTemplate(101, 0xbb, 1))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job3.CleanJobs {
		t.Fatal("a new prevhash should be clean_jobs")
	}
}

func TestJobRetentionEviction(t *testing.T) {
	cfg := testMiningConfig()
	cfg.JobRetention = 2
	jm := NewJobManager(cfg, zap.NewNop(), nil)

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := jm.CreateJob(makeTemplate(int64(100+i), byte(i), 0))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids = append(ids, job.ID)
	}

	if jm.GetJob(ids[0]) != nil {
		t.Fatal("oldest job should have been evicted")
	}
	if jm.GetJob(ids[len(ids)-1]) == nil {
		t.Fatal("most recent job should still be retrievable")
	}
}

func TestIsStaleJob(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop(), nil)

	oldJob, err := jm.CreateJob(makeTemplate(100, 0xaa, 0))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := jm.CreateJob(makeTemplate(101, 0xbb, 0)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if !jm.IsStaleJob(oldJob) {
		t.Fatal("job from a superseded height should be stale")
	}

	currentJob := jm.GetCurrentJob()
	if jm.IsStaleJob(currentJob) {
		t.Fatal("the current job must not be reported stale")
	}
}

func TestPrevHashWireEncodingRoundTrip(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop(), nil)
	template := makeTemplate(100, 0xaa, 0)

	job, err := jm.CreateJob(template)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	wire, err := hex.DecodeString(job.PrevHash)
	if err != nil {
		t.Fatalf("decode wire prevhash: %v", err)
	}

	display := crypto.SwapWordOrder(wire)
	if !bytes.Equal(display, template.PreviousBlockHashDisplay) {
		t.Fatalf("wire prevhash does not round-trip to the template's display-order hash")
	}
}

func TestBuildCoinbaseIncludesWitnessCommitment(t *testing.T) {
	jm := NewJobManager(testMiningConfig(), zap.NewNop(), nil)
	template := makeTemplate(100, 0xaa, 0)
	template.WitnessCommitment = bytes.Repeat([]byte{0xcc}, 38)

	coinbase1, coinbase2 := jm.buildCoinbase(template)
	if len(coinbase1) == 0 || len(coinbase2) == 0 {
		t.Fatal("coinbase halves should not be empty")
	}

	full := append(append([]byte{}, coinbase1...), coinbase2...)
	if !bytes.Contains(full, template.WitnessCommitment) {
		t.Fatal("witness commitment bytes must appear in the coinbase outputs")
	}
}

func TestNewBlockTemplateDecodesFields(t *testing.T) {
	result := &rpc.BlockTemplateResult{
		Version:           2,
		PreviousBlockHash: hex.EncodeToString(bytes.Repeat([]byte{0x11}, 32)),
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		Height:            123,
		CoinbaseValue:     5000000000,
		Transactions: []rpc.RawTransaction{
			{Data: "00", TxID: hex.EncodeToString(bytes.Repeat([]byte{0x22}, 32))},
		},
	}

	template, err := NewBlockTemplate(result)
	if err != nil {
		t.Fatalf("NewBlockTemplate: %v", err)
	}

	if template.Bits != 0x1d00ffff {
		t.Fatalf("bits decoded wrong: got %x", template.Bits)
	}
	if template.Height != 123 {
		t.Fatalf("height mismatch: got %d", template.Height)
	}

	wantTxID := crypto.ReverseBytes(bytes.Repeat([]byte{0x22}, 32))
	if !bytes.Equal(template.Transactions[0].TxID, wantTxID) {
		t.Fatal("txid should be converted from display to internal order")
	}
}
