// Package mining implements share validation and block submission.
package mining

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/orebit/stratum/internal/config"
	"github.com/orebit/stratum/internal/protocol"
	"github.com/orebit/stratum/internal/rpc"
	"github.com/orebit/stratum/internal/storage"
	"github.com/orebit/stratum/pkg/crypto"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Total number of shares submitted",
	}, []string{"status"})

	shareProcessingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratum_share_processing_seconds",
		Help:    "Share processing time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found_total",
		Help: "Total number of blocks found",
	})
)

func init() {
	prometheus.MustRegister(sharesTotal)
	prometheus.MustRegister(shareProcessingTime)
	prometheus.MustRegister(blocksFound)
}

// ntimeLowerGrace and ntimeUpperGrace bound how far a share's ntime may
// drift from the job's template time and wall-clock time respectively.
const (
	ntimeLowerGrace = 600 * time.Second
	ntimeUpperGrace = 7200 * time.Second
)

// Share represents a submitted share from a worker.
type Share struct {
	WorkerName  string
	JobID       string
	Extranonce1 string
	Extranonce2 string
	Ntime       string
	Nonce       string
	Difficulty  float64
	SubmittedAt time.Time
	IPAddress   string
}

// ShareResult represents the result of share validation.
type ShareResult struct {
	Valid        bool
	Stale        bool
	BlockHash    string
	IsBlock      bool
	RejectReason string
	ShareDiff    float64
}

// ShareValidator validates submitted shares and submits any blocks
// they complete to the node.
type ShareValidator struct {
	cfg        config.MiningConfig
	logger     *zap.Logger
	redis      *storage.RedisClient
	postgres   *storage.PostgresClient
	jobManager *JobManager
	rpcClient  *rpc.Client
}

// NewShareValidator creates a new share validator.
func NewShareValidator(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient, postgres *storage.PostgresClient, jm *JobManager, rpcClient *rpc.Client) *ShareValidator {
	return &ShareValidator{
		cfg:        cfg,
		logger:     logger.Named("share"),
		redis:      redis,
		postgres:   postgres,
		jobManager: jm,
		rpcClient:  rpcClient,
	}
}

// Validate checks a submitted share against its job, the connection's
// current difficulty, and (if it also clears the network target)
// submits the resulting block to the node.
func (v *ShareValidator) Validate(ctx context.Context, share *Share) (*ShareResult, error) {
	startTime := time.Now()
	defer func() {
		shareProcessingTime.Observe(time.Since(startTime).Seconds())
	}()

	result := &ShareResult{}

	job := v.jobManager.GetJob(share.JobID)
	if job == nil {
		result.RejectReason = "Job not found"
		sharesTotal.WithLabelValues("invalid_job").Inc()
		return result, nil
	}

	if v.jobManager.IsStaleJob(job) {
		result.Stale = true
		result.RejectReason = "Stale job"
		sharesTotal.WithLabelValues("stale").Inc()
		return result, nil
	}

	if !v.validateFormat(share) {
		result.RejectReason = "Malformed share"
		sharesTotal.WithLabelValues("invalid").Inc()
		return result, nil
	}

	isDuplicate, err := v.checkDuplicate(ctx, share)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if isDuplicate {
		result.RejectReason = "Duplicate share"
		sharesTotal.WithLabelValues("duplicate").Inc()
		return result, nil
	}

	if !v.validateNtime(share.Ntime, job) {
		result.RejectReason = "Invalid ntime"
		sharesTotal.WithLabelValues("invalid").Inc()
		return result, nil
	}

	header, coinbase, err := v.buildBlock(share, job)
	if err != nil {
		result.RejectReason = "Invalid share data"
		sharesTotal.WithLabelValues("invalid").Inc()
		return result, nil
	}

	hash := crypto.DoubleSHA256(header)
	result.BlockHash = hex.EncodeToString(crypto.ReverseBytes(hash))
	result.ShareDiff = protocol.ShareDifficulty(hash)

	shareTarget := crypto.DifficultyToTarget(share.Difficulty)
	if !crypto.HashMeetsTarget(hash, shareTarget) {
		result.RejectReason = fmt.Sprintf("Low difficulty share: %.4f < %.4f", result.ShareDiff, share.Difficulty)
		sharesTotal.WithLabelValues("invalid_target").Inc()
		return result, nil
	}

	result.Valid = true
	sharesTotal.WithLabelValues("valid").Inc()

	if crypto.HashMeetsTarget(hash, job.NetworkTarget) {
		result.IsBlock = true
		blocksFound.Inc()

		v.logger.Info("block found",
			zap.String("hash", result.BlockHash),
			zap.String("worker", share.WorkerName),
			zap.Float64("share_diff", result.ShareDiff),
			zap.Int64("height", job.Height),
		)

		go v.submitBlock(context.Background(), share, job, header, coinbase)
	}

	go v.logShare(context.Background(), share, result)

	return result, nil
}

// checkDuplicate checks if this exact share has already been
// submitted against this job.
func (v *ShareValidator) checkDuplicate(ctx context.Context, share *Share) (bool, error) {
	shareKey := fmt.Sprintf("%s:%s:%s:%s:%s",
		share.JobID,
		share.Extranonce1,
		share.Extranonce2,
		share.Ntime,
		share.Nonce,
	)

	return v.redis.CheckDuplicateShare(ctx, shareKey)
}

// validateFormat enforces the fixed hex widths a share's fields must
// have before any of them are decoded: extranonce2 must match the
// pool's configured extranonce2_size, ntime and nonce are each a
// 4-byte (8 hex char) field.
func (v *ShareValidator) validateFormat(share *Share) bool {
	if len(share.Extranonce2) != 2*v.cfg.Extranonce2Size {
		return false
	}
	if len(share.Ntime) != 8 {
		return false
	}
	if len(share.Nonce) != 8 {
		return false
	}
	return true
}

// validateNtime checks that a share's ntime is neither further in the
// past than the job's template time allows, nor unreasonably far in
// the future of wall-clock time.
func (v *ShareValidator) validateNtime(ntime string, job *Job) bool {
	shareTime, err := parseHexUint32BigEndian(ntime)
	if err != nil {
		return false
	}

	minTime := job.NTimeValue - uint32(ntimeLowerGrace.Seconds())
	maxTime := uint32(time.Now().Add(ntimeUpperGrace).Unix())

	return shareTime >= minTime && shareTime <= maxTime
}

// buildBlock assembles the coinbase transaction and 80-byte header a
// share implies, ready for hashing and, if it clears the network
// target, for full block submission.
func (v *ShareValidator) buildBlock(share *Share, job *Job) (header, coinbase []byte, err error) {
	version, err := leBytesFromHex(job.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid version: %w", err)
	}

	wirePrevHash, err := hex.DecodeString(job.PrevHash)
	if err != nil || len(wirePrevHash) != 32 {
		return nil, nil, fmt.Errorf("invalid prevhash: %w", err)
	}
	internalPrevHash := crypto.SwapEndian32(wirePrevHash)

	coinbase1, err := hex.DecodeString(job.Coinbase1)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid coinbase1: %w", err)
	}
	extranonce1, err := hex.DecodeString(share.Extranonce1)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid extranonce1: %w", err)
	}
	extranonce2, err := hex.DecodeString(share.Extranonce2)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid extranonce2: %w", err)
	}
	coinbase2, err := hex.DecodeString(job.Coinbase2)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid coinbase2: %w", err)
	}

	coinbase = make([]byte, 0, len(coinbase1)+len(extranonce1)+len(extranonce2)+len(coinbase2))
	coinbase = append(coinbase, coinbase1...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, coinbase2...)

	coinbaseHash := crypto.DoubleSHA256(coinbase)
	merkleBranch := make([][]byte, len(job.MerkleBranch))
	for i, h := range job.MerkleBranch {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid merkle branch entry: %w", err)
		}
		merkleBranch[i] = b
	}
	merkleRoot := crypto.ApplyMerkleBranch(coinbaseHash, merkleBranch)

	ntime, err := leBytesFromHex(share.Ntime)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ntime: %w", err)
	}
	nonce, err := leBytesFromHex(share.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nonce: %w", err)
	}
	nbits, err := leBytesFromHex(job.NBits)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nbits: %w", err)
	}

	header = make([]byte, 80)
	copy(header[0:4], version)
	copy(header[4:36], internalPrevHash)
	copy(header[36:68], merkleRoot)
	copy(header[68:72], ntime)
	copy(header[72:76], nbits)
	copy(header[76:80], nonce)

	return header, coinbase, nil
}

// submitBlock assembles the full block (header, transaction count,
// coinbase, and the template's other transactions) and submits it to
// the node, recording the outcome.
func (v *ShareValidator) submitBlock(ctx context.Context, share *Share, job *Job, header, coinbase []byte) {
	blockHex := v.assembleBlockHex(header, coinbase, job.Transactions)

	if err := v.rpcClient.SubmitBlock(ctx, blockHex); err != nil {
		v.logger.Error("block submission rejected",
			zap.String("job_id", job.ID),
			zap.String("worker", share.WorkerName),
			zap.Error(err),
		)
	} else {
		v.logger.Info("block submitted",
			zap.String("job_id", job.ID),
			zap.String("worker", share.WorkerName),
			zap.Int64("height", job.Height),
		)
	}

	if err := v.postgres.InsertBlock(ctx, &storage.Block{
		Hash:       hex.EncodeToString(crypto.ReverseBytes(crypto.DoubleSHA256(header))),
		Height:     job.Height,
		WorkerName: share.WorkerName,
		Difficulty: protocol.TargetToDifficulty(job.NetworkTarget),
		FoundAt:    time.Now(),
		Confirmed:  false,
	}); err != nil {
		v.logger.Error("failed to insert block", zap.Error(err))
	}
}

// assembleBlockHex serializes a full block: header, varint transaction
// count, the coinbase transaction, then every other template
// transaction verbatim.
func (v *ShareValidator) assembleBlockHex(header, coinbase []byte, transactions []Transaction) string {
	block := make([]byte, 0, len(header)+len(coinbase)+9)
	block = append(block, header...)
	block = append(block, varInt(uint64(len(transactions)+1))...)
	block = append(block, coinbase...)
	for _, tx := range transactions {
		block = append(block, tx.Data...)
	}
	return hex.EncodeToString(block)
}

// logShare records a share submission in the database.
func (v *ShareValidator) logShare(ctx context.Context, share *Share, result *ShareResult) {
	dbShare := &storage.Share{
		WorkerName:   share.WorkerName,
		JobID:        share.JobID,
		Difficulty:   share.Difficulty,
		ShareDiff:    result.ShareDiff,
		Valid:        result.Valid,
		IsBlock:      result.IsBlock,
		BlockHash:    result.BlockHash,
		RejectReason: result.RejectReason,
		IPAddress:    share.IPAddress,
		SubmittedAt:  share.SubmittedAt,
	}

	if err := v.postgres.InsertShare(ctx, dbShare); err != nil {
		v.logger.Error("failed to insert share", zap.Error(err))
	}
}

// leBytesFromHex decodes a big-endian-natural hex field (the form
// produced by fmt.Sprintf("%08x", ...)) into the little-endian byte
// order the block header serializes its fields in.
func leBytesFromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return crypto.ReverseBytes(b), nil
}

func parseHexUint32BigEndian(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
