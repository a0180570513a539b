// Package mining implements job generation and management.
package mining

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orebit/stratum/internal/config"
	"github.com/orebit/stratum/internal/storage"
	"github.com/orebit/stratum/pkg/crypto"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	jobsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated",
	})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated)
	prometheus.MustRegister(currentBlockHeight)
}

// maxCoinbaseMessageLen bounds the pool's tag/message pushed into the
// coinbase scriptSig.
const maxCoinbaseMessageLen = 100

// Job is a mining job as sent to a subscribed connection via
// mining.notify, plus the bookkeeping the share validator and block
// submitter need that never reaches the wire.
type Job struct {
	ID            string
	Height        int64
	PrevHash      string // wire (word-swapped) hex, as sent to miners
	Coinbase1     string
	Coinbase2     string
	MerkleBranch  []string
	Version       string
	NBits         string
	NTime         string
	NTimeValue    uint32
	CleanJobs     bool
	NetworkTarget *big.Int
	Transactions  []Transaction
	CreatedAt     time.Time
}

// JobManager builds jobs from block templates and tracks a bounded
// window of recently issued jobs for share validation.
type JobManager struct {
	cfg    config.MiningConfig
	logger *zap.Logger
	redis  *storage.RedisClient

	mu                sync.RWMutex
	jobs              map[string]*Job
	order             []string // oldest first
	currentPrevHash   []byte   // display order, from the node
	currentJobID      string
	currentHeight     int64

	currentJob  atomic.Value // *Job
	jobCounter  uint32
	extranonce1 uint32

	subscribers   []chan *Job
	subscribersMu sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient) *JobManager {
	jm := &JobManager{
		cfg:         cfg,
		logger:      logger.Named("job"),
		redis:       redis,
		jobs:        make(map[string]*Job),
		subscribers: make([]chan *Job, 0),
	}

	var seed [4]byte
	rand.Read(seed[:])
	jm.extranonce1 = binary.BigEndian.Uint32(seed[:])

	return jm
}

// GenerateExtranonce1 generates a unique extranonce1 for a connection.
func (jm *JobManager) GenerateExtranonce1() string {
	value := atomic.AddUint32(&jm.extranonce1, 1)

	buf := make([]byte, jm.cfg.Extranonce1Size)
	for i := 0; i < jm.cfg.Extranonce1Size; i++ {
		buf[i] = byte(value >> (8 * (jm.cfg.Extranonce1Size - 1 - i)))
	}

	return hex.EncodeToString(buf)
}

// GetExtranonce2Size returns the size of extranonce2.
func (jm *JobManager) GetExtranonce2Size() int {
	return jm.cfg.Extranonce2Size
}

// GetCurrentJob returns the current active job.
func (jm *JobManager) GetCurrentJob() *Job {
	if j := jm.currentJob.Load(); j != nil {
		return j.(*Job)
	}
	return nil
}

// GetJob returns a job by ID, or nil if it has aged out of the
// retention window.
func (jm *JobManager) GetJob(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[id]
}

// IsCurrentJob reports whether id names the most recently issued job.
func (jm *JobManager) IsCurrentJob(id string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return id == jm.currentJobID
}

// IsStaleJob reports whether job belongs to a height the pool has
// already moved past — a new block arrived since it was issued. Jobs
// that are merely superseded by a same-height refresh (new
// transactions, rolled ntime) are not stale.
func (jm *JobManager) IsStaleJob(job *Job) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return job.Height < jm.currentHeight
}

// CreateJob builds a new mining job from a block template: a coinbase
// transaction paying the pool address (and carrying the segwit
// witness commitment when the template has one), a merkle branch from
// that coinbase to the template's other transactions, and the header
// fields needed to assemble a candidate block.
func (jm *JobManager) CreateJob(template *BlockTemplate) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cleanJobs := !bytes.Equal(template.PreviousBlockHashDisplay, jm.currentPrevHash)
	if cleanJobs {
		jm.currentPrevHash = template.PreviousBlockHashDisplay
		currentBlockHeight.Set(float64(template.Height))
	}
	jm.currentHeight = template.Height

	coinbase1, coinbase2 := jm.buildCoinbase(template)

	extranonceSize := jm.cfg.Extranonce1Size + jm.cfg.Extranonce2Size
	placeholder := make([]byte, extranonceSize)
	fullCoinbase := make([]byte, 0, len(coinbase1)+extranonceSize+len(coinbase2))
	fullCoinbase = append(fullCoinbase, coinbase1...)
	fullCoinbase = append(fullCoinbase, placeholder...)
	fullCoinbase = append(fullCoinbase, coinbase2...)
	coinbaseLeaf := crypto.DoubleSHA256(fullCoinbase)

	leaves := make([][]byte, 0, len(template.Transactions)+1)
	leaves = append(leaves, coinbaseLeaf)
	for _, tx := range template.Transactions {
		leaves = append(leaves, tx.TxID)
	}
	branch := crypto.MerkleBranch(leaves)
	merkleBranchHex := make([]string, len(branch))
	for i, h := range branch {
		merkleBranchHex[i] = hex.EncodeToString(h)
	}

	jobID := jm.generateJobID()
	wirePrevHash := crypto.SwapWordOrder(template.PreviousBlockHashDisplay)

	job := &Job{
		ID:            jobID,
		Height:        template.Height,
		PrevHash:      hex.EncodeToString(wirePrevHash),
		Coinbase1:     hex.EncodeToString(coinbase1),
		Coinbase2:     hex.EncodeToString(coinbase2),
		MerkleBranch:  merkleBranchHex,
		Version:       fmt.Sprintf("%08x", uint32(template.Version)),
		NBits:         fmt.Sprintf("%08x", template.Bits),
		NTime:         fmt.Sprintf("%08x", template.CurTime),
		NTimeValue:    template.CurTime,
		CleanJobs:     cleanJobs,
		NetworkTarget: crypto.BitsToTarget(template.Bits),
		Transactions:  template.Transactions,
		CreatedAt:     time.Now(),
	}

	jm.jobs[jobID] = job
	jm.order = append(jm.order, jobID)
	jm.currentJobID = jobID
	for len(jm.order) > jm.cfg.JobRetention {
		oldest := jm.order[0]
		jm.order = jm.order[1:]
		delete(jm.jobs, oldest)
	}

	jm.currentJob.Store(job)
	jm.notifySubscribers(job)
	jobsGenerated.Inc()

	jm.logger.Info("new job created",
		zap.String("job_id", jobID),
		zap.Int64("height", template.Height),
		zap.Bool("clean_jobs", cleanJobs),
	)

	return job, nil
}

func (jm *JobManager) generateJobID() string {
	id := atomic.AddUint32(&jm.jobCounter, 1)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return hex.EncodeToString(buf)
}

// buildCoinbase constructs the coinbase transaction, split at the point
// where a connection's extranonce1 and extranonce2 are inserted:
//
//	coinbase1 = version | 01 | null_prevout | ffffffff |
//	            varint(scriptSigLen) | height_push | message_push
//	[ extranonce1 | extranonce2 inserted here by the connection ]
//	coinbase2 = ffffffff | varint(output_count) | outputs... | locktime
func (jm *JobManager) buildCoinbase(template *BlockTemplate) (coinbase1, coinbase2 []byte) {
	extranonceSize := jm.cfg.Extranonce1Size + jm.cfg.Extranonce2Size

	heightPush := pushData(encodeBlockHeight(template.Height))
	messagePush := pushData(clipBytes([]byte(jm.cfg.PoolMessage), maxCoinbaseMessageLen))
	scriptSigLen := len(heightPush) + len(messagePush) + extranonceSize

	coinbase1 = append(coinbase1, littleEndianU32(1)...)
	coinbase1 = append(coinbase1, 0x01)
	coinbase1 = append(coinbase1, make([]byte, 32)...)
	coinbase1 = append(coinbase1, 0xff, 0xff, 0xff, 0xff)
	coinbase1 = append(coinbase1, varInt(uint64(scriptSigLen))...)
	coinbase1 = append(coinbase1, heightPush...)
	coinbase1 = append(coinbase1, messagePush...)

	outputs := jm.buildCoinbaseOutputs(template)
	coinbase2 = append(coinbase2, 0xff, 0xff, 0xff, 0xff)
	coinbase2 = append(coinbase2, varInt(uint64(len(outputs)))...)
	for _, out := range outputs {
		coinbase2 = append(coinbase2, out...)
	}
	coinbase2 = append(coinbase2, 0x00, 0x00, 0x00, 0x00)

	return coinbase1, coinbase2
}

// buildCoinbaseOutputs builds the pool payout output and, when the
// template carries one, the segwit witness commitment output.
func (jm *JobManager) buildCoinbaseOutputs(template *BlockTemplate) [][]byte {
	outputs := make([][]byte, 0, 2)

	payout := make([]byte, 0, 8+1+len(jm.cfg.PoolScriptPubKey))
	payout = append(payout, littleEndianU64(uint64(template.CoinbaseValue))...)
	payout = append(payout, varInt(uint64(len(jm.cfg.PoolScriptPubKey)))...)
	payout = append(payout, jm.cfg.PoolScriptPubKey...)
	outputs = append(outputs, payout)

	if len(template.WitnessCommitment) > 0 {
		commitment := make([]byte, 0, 8+1+len(template.WitnessCommitment))
		commitment = append(commitment, littleEndianU64(0)...)
		commitment = append(commitment, varInt(uint64(len(template.WitnessCommitment)))...)
		commitment = append(commitment, template.WitnessCommitment...)
		outputs = append(outputs, commitment)
	}

	return outputs
}

func littleEndianU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func littleEndianU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// varInt encodes n as a Bitcoin CompactSize integer.
func varInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// pushData wraps data in a minimal script push opcode. The height and
// message pushes this builder produces never exceed OP_PUSHDATA1 range.
func pushData(data []byte) []byte {
	if len(data) == 0 {
		return []byte{0x00}
	}
	if len(data) <= 75 {
		return append([]byte{byte(len(data))}, data...)
	}
	return append([]byte{0x4c, byte(len(data))}, data...)
}

func clipBytes(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

// encodeBlockHeight returns the minimal little-endian encoding of
// height required by BIP34, padded with a zero byte when the high bit
// of the final byte would otherwise be read as a sign.
func encodeBlockHeight(height int64) []byte {
	if height == 0 {
		return []byte{0x00}
	}

	var b []byte
	h := height
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if b[len(b)-1]&0x80 != 0 {
		b = append(b, 0x00)
	}
	return b
}

// Subscribe returns a channel that receives newly created jobs.
func (jm *JobManager) Subscribe() <-chan *Job {
	jm.subscribersMu.Lock()
	defer jm.subscribersMu.Unlock()

	ch := make(chan *Job, 10)
	jm.subscribers = append(jm.subscribers, ch)
	return ch
}

func (jm *JobManager) notifySubscribers(job *Job) {
	jm.subscribersMu.RLock()
	defer jm.subscribersMu.RUnlock()

	for _, ch := range jm.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}
