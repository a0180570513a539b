// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orebit/stratum/internal/config"
	"github.com/orebit/stratum/internal/mining"
	"github.com/orebit/stratum/internal/protocol"
	"github.com/orebit/stratum/internal/worker"

	"go.uber.org/zap"
)

// ConnectionState represents the current state of a connection.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
	StateMining
	StateDisconnected
)

// maxLineLength bounds a single Stratum line read from a connection;
// anything longer is treated as abusive and the connection is closed.
const maxLineLength = 8 * 1024

// maxMalformedMessages is the number of consecutive unparseable lines
// tolerated before a connection is closed.
const maxMalformedMessages = 16

// sendQueueSize bounds the number of outbound messages buffered per
// connection. A slow reader that can't keep up gets disconnected
// rather than letting the queue grow unbounded.
const sendQueueSize = 64

// Connection represents a single Stratum client connection.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	miningCfg      config.MiningConfig
	logger         *zap.Logger
	workerManager  *worker.Manager
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator

	state      int32
	workerName string
	extranonce string
	difficulty float64

	reader *bufio.Reader

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	malformedCount int32
}

// NewConnection creates a new connection handler.
func NewConnection(conn net.Conn, cfg config.ServerConfig, miningCfg config.MiningConfig, logger *zap.Logger, wm *worker.Manager, jm *mining.JobManager, sv *mining.ShareValidator) *Connection {
	return &Connection{
		id:             uuid.New().String()[:8],
		conn:           conn,
		cfg:            cfg,
		miningCfg:      miningCfg,
		logger:         logger.Named("connection"),
		workerManager:  wm,
		jobManager:     jm,
		shareValidator: sv,
		reader:         bufio.NewReader(conn),
		sendChan:       make(chan []byte, sendQueueSize),
		closeChan:      make(chan struct{}),
		difficulty:     miningCfg.InitialDifficulty,
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// GetWorkerName returns the worker name for this connection.
func (c *Connection) GetWorkerName() string {
	return c.workerName
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Handle processes the connection's read/write loop.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	c.wg.Add(1)
	go c.writeLoop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

			line, err := c.readLine()
			if err != nil {
				if err == errLineTooLong {
					c.logger.Warn("Line too long, closing connection", zap.String("id", c.id))
					return nil
				}
				if err == io.EOF {
					return nil
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					c.logger.Debug("Connection read timeout", zap.String("id", c.id))
					return nil
				}
				return fmt.Errorf("read error: %w", err)
			}

			if err := c.handleMessage(ctx, line); err != nil {
				c.logger.Error("Failed to handle message",
					zap.String("id", c.id),
					zap.Error(err),
				)
			}

			if atomic.LoadInt32(&c.malformedCount) > maxMalformedMessages {
				c.logger.Warn("Too many malformed messages, closing connection", zap.String("id", c.id))
				return nil
			}
		}
	}
}

// errLineTooLong is returned by readLine when a client sends a line
// without a newline within maxLineLength bytes.
var errLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineLength)

// readLine reads a single newline-terminated message, accumulating
// across bufio's internal buffer fills and aborting once the
// accumulated length exceeds maxLineLength.
func (c *Connection) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := c.reader.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > maxLineLength {
			return "", errLineTooLong
		}
		if err == nil {
			return string(buf), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(buf), err
	}
}

// handleMessage parses and routes a JSON-RPC message.
func (c *Connection) handleMessage(ctx context.Context, data string) error {
	var msg protocol.Request
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		atomic.AddInt32(&c.malformedCount, 1)
		return c.sendError(msg.ID, protocol.ErrParseError, "Parse error")
	}
	atomic.StoreInt32(&c.malformedCount, 0)

	c.logger.Debug("Received message",
		zap.String("id", c.id),
		zap.String("method", msg.Method),
	)

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(ctx, msg)
	case "mining.authorize":
		return c.handleAuthorize(ctx, msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.handleExtranonceSubscribe(ctx, msg)
	case "mining.configure":
		return c.handleConfigure(ctx, msg)
	case "mining.suggest_difficulty":
		return c.handleSuggestDifficulty(ctx, msg)
	default:
		return c.sendError(msg.ID, protocol.ErrMethodNotFound, "Method not found")
	}
}

// handleSubscribe handles mining.subscribe requests. Per the protocol's
// subscribe-then-authorize flow, a subscribed connection must start
// receiving mining.set_difficulty and mining.notify immediately, not
// only once it later authorizes.
func (c *Connection) handleSubscribe(ctx context.Context, req protocol.Request) error {
	params, err := protocol.ParseSubscribeParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	c.extranonce = c.jobManager.GenerateExtranonce1()

	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	c.logger.Debug("Subscribed",
		zap.String("id", c.id),
		zap.String("user_agent", params.UserAgent),
	)

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", c.id},
		{"mining.notify", c.id},
	}

	result := []interface{}{
		subscriptions,
		c.extranonce,
		c.jobManager.GetExtranonce2Size(),
	}

	if err := c.sendResult(req.ID, result); err != nil {
		return err
	}

	if err := c.sendDifficulty(c.difficulty); err != nil {
		return err
	}

	job := c.jobManager.GetCurrentJob()
	if job != nil {
		return c.SendJob(job)
	}

	return nil
}

// handleAuthorize handles mining.authorize requests.
func (c *Connection) handleAuthorize(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateSubscribed {
		return c.sendError(req.ID, protocol.ErrNotSubscribed, "Not subscribed")
	}

	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil || params.Username == "" {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}
	username := params.Username
	password := params.Password

	w, err := c.workerManager.Register(ctx, username, password, c.conn.RemoteAddr().String())
	if err != nil {
		c.logger.Error("Worker registration failed",
			zap.String("id", c.id),
			zap.String("username", username),
			zap.Error(err),
		)
		return c.sendResult(req.ID, false)
	}

	c.workerName = username
	c.difficulty = w.Difficulty

	atomic.StoreInt32(&c.state, int32(StateAuthorized))

	c.logger.Info("Worker authorized",
		zap.String("id", c.id),
		zap.String("worker", username),
		zap.Float64("difficulty", c.difficulty),
	)

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}

	// The subscribe handler already sent the connection-default
	// difficulty and the current job; a reused worker name may carry a
	// different difficulty from a prior session, so push it again now
	// that it's known.
	return c.sendDifficulty(c.difficulty)
}

// handleSubmit handles mining.submit requests.
func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateAuthorized {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "Not authorized")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	share := &mining.Share{
		WorkerName:  params.WorkerName,
		JobID:       params.JobID,
		Extranonce1: c.extranonce,
		Extranonce2: params.Extranonce2,
		Ntime:       params.NTime,
		Nonce:       params.Nonce,
		Difficulty:  c.difficulty,
		SubmittedAt: time.Now(),
		IPAddress:   c.conn.RemoteAddr().String(),
	}

	result, err := c.shareValidator.Validate(ctx, share)
	if err != nil {
		c.logger.Error("Share validation error",
			zap.String("id", c.id),
			zap.Error(err),
		)
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}

	c.workerManager.UpdateStats(ctx, c.workerName, result)

	if !result.Valid {
		c.logger.Debug("Invalid share",
			zap.String("id", c.id),
			zap.String("worker", params.WorkerName),
			zap.String("reason", result.RejectReason),
		)
		return c.sendError(req.ID, rejectReasonCode(result), result.RejectReason)
	}

	c.logger.Debug("Valid share",
		zap.String("id", c.id),
		zap.String("worker", params.WorkerName),
		zap.Float64("difficulty", share.Difficulty),
	)

	if newDiff := c.workerManager.CheckVarDiff(ctx, c.workerName); newDiff > 0 && newDiff != c.difficulty {
		c.difficulty = newDiff
		if err := c.sendDifficulty(newDiff); err != nil {
			c.logger.Error("Failed to send difficulty update",
				zap.String("id", c.id),
				zap.Error(err),
			)
		}
	}

	return c.sendResult(req.ID, true)
}

// rejectReasonCode maps a rejected share's classification to the
// matching Stratum mining error code.
func rejectReasonCode(result *mining.ShareResult) int {
	switch {
	case result.Stale:
		return protocol.ErrStaleShare
	case result.RejectReason == "Job not found":
		return protocol.ErrJobNotFound
	case result.RejectReason == "Duplicate share":
		return protocol.ErrDuplicateShare
	case result.RejectReason == "Malformed share":
		return protocol.ErrOther
	default:
		return protocol.ErrLowDifficultyShare
	}
}

// handleExtranonceSubscribe handles mining.extranonce.subscribe requests.
func (c *Connection) handleExtranonceSubscribe(ctx context.Context, req protocol.Request) error {
	return c.sendResult(req.ID, true)
}

// handleConfigure handles mining.configure requests. No extensions are
// supported, so the reply is always an empty object.
func (c *Connection) handleConfigure(ctx context.Context, req protocol.Request) error {
	return c.sendResult(req.ID, map[string]interface{}{})
}

// handleSuggestDifficulty handles mining.suggest_difficulty requests,
// forwarding the client's hint to the worker's VarDiff state. The
// suggestion replaces the hashrate-derived estimate at the worker's
// next retarget opportunity, still subject to clamping.
func (c *Connection) handleSuggestDifficulty(ctx context.Context, req protocol.Request) error {
	params, err := protocol.ParseSuggestDifficultyParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid difficulty")
	}

	if c.workerName != "" {
		c.workerManager.SuggestDifficulty(c.workerName, params.Difficulty)
	}

	return c.sendResult(req.ID, true)
}

// SendJob sends a mining.notify message to the client. Per the
// protocol, mining.notify is broadcast to every subscribed connection,
// not only authorized ones.
func (c *Connection) SendJob(job *mining.Job) error {
	if c.GetState() < StateSubscribed {
		return nil
	}

	params := []interface{}{
		job.ID,
		job.PrevHash,
		job.Coinbase1,
		job.Coinbase2,
		job.MerkleBranch,
		job.Version,
		job.NBits,
		job.NTime,
		job.CleanJobs,
	}

	return c.sendNotification("mining.notify", params)
}

// SetDifficulty sets the connection difficulty and notifies the client.
func (c *Connection) SetDifficulty(difficulty float64) error {
	c.difficulty = difficulty
	return c.sendDifficulty(difficulty)
}

// sendDifficulty sends a mining.set_difficulty notification.
func (c *Connection) sendDifficulty(difficulty float64) error {
	return c.sendNotification("mining.set_difficulty", []interface{}{difficulty})
}

// sendResult sends a JSON-RPC result response.
func (c *Connection) sendResult(id interface{}, result interface{}) error {
	response := protocol.Response{
		ID:     id,
		Result: result,
		Error:  nil,
	}
	return c.send(response)
}

// sendError sends a JSON-RPC error response.
func (c *Connection) sendError(id interface{}, code int, message string) error {
	response := protocol.Response{
		ID:     id,
		Result: nil,
		Error:  []interface{}{code, message, nil},
	}
	return c.send(response)
}

// sendNotification sends a JSON-RPC notification (no id).
func (c *Connection) sendNotification(method string, params interface{}) error {
	notification := protocol.Notification{
		ID:     nil,
		Method: method,
		Params: params,
	}
	return c.send(notification)
}

// send enqueues a JSON message for the write loop. A connection whose
// peer can't keep up with outbound traffic fills its send queue and is
// disconnected rather than allowed to buffer without bound.
func (c *Connection) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	select {
	case c.sendChan <- data:
		return nil
	default:
		c.logger.Warn("Send queue full, closing connection", zap.String("id", c.id))
		c.Close()
		return fmt.Errorf("send queue full")
	}
}

// writeLoop drains the send queue to the underlying connection.
func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := c.conn.Write(data); err != nil {
				c.logger.Debug("Write failed", zap.String("id", c.id), zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// Close closes the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		close(c.closeChan)
		c.conn.Close()

		if c.workerName != "" {
			c.workerManager.Disconnect(context.Background(), c.workerName)
		}
	})
}
