package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrWorkerUnavailable = errors.New("key worker unavailable")
	ErrRequestTimeout    = errors.New("key worker request timed out")
	ErrClientClosed      = errors.New("key worker client closed")
)

const DefaultTimeout = 30 * time.Second

// RemoteError is an error reported by the worker for a single request.
type RemoteError struct {
	Op      string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return errorForCode(e.Code)
}

type ClientOptions struct {
	Timeout time.Duration
	Handler Handler
	Logger  *slog.Logger
}

// Client sends requests to the background worker and matches responses to
// callers by request ID. The worker is started on first use and restarted
// on the next call after it dies.
type Client struct {
	timeout time.Duration
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *conn
	starts int
	closed bool
}

type result struct {
	payload msgpack.RawMessage
	err     error
}

// conn is one worker incarnation together with the requests waiting on it.
type conn struct {
	w *worker

	mu      sync.Mutex
	pending map[string]chan result
	dead    bool
}

func NewClient(o ClientOptions) *Client {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Handler == nil {
		o.Handler = Serve
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Client{timeout: o.Timeout, handler: o.Handler, logger: o.Logger}
}

// Starts returns how many times the worker has been started.
func (c *Client) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Close stops the worker. Outstanding requests fail with ErrWorkerUnavailable.
func (c *Client) Close() {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if cn != nil {
		close(cn.w.stop)
		<-cn.w.done
	}
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	// A worker that has exited may not have been marked dead yet; requests
	// queued on it would never be processed.
	if c.conn != nil && !c.conn.isDead() && !c.conn.w.exited() {
		return c.conn, nil
	}
	cn := &conn{
		w:       startWorker(context.Background(), c.handler, c.logger),
		pending: make(map[string]chan result),
	}
	c.starts++
	if c.starts > 1 {
		c.logger.Warn("keyvault: restarting worker", "starts", c.starts)
	}
	go c.dispatch(cn)
	c.conn = cn
	return cn, nil
}

func (c *Client) dispatch(cn *conn) {
	for {
		select {
		case data := <-cn.w.responses:
			c.deliver(cn, data)
		case <-cn.w.done:
		drain:
			for {
				select {
				case data := <-cn.w.responses:
					c.deliver(cn, data)
				default:
					break drain
				}
			}
			cn.fail(ErrWorkerUnavailable)
			return
		}
	}
}

func (c *Client) deliver(cn *conn, data []byte) {
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		c.logger.Error("keyvault: malformed response", "err", err)
		return
	}
	ch := cn.take(resp.ID)
	if ch == nil {
		c.logger.Debug("keyvault: response for unknown request", "id", resp.ID)
		return
	}
	if resp.Status == statusSuccess {
		ch <- result{payload: resp.Payload}
		return
	}
	var ep errorPayload
	if err := msgpack.Unmarshal(resp.Payload, &ep); err != nil {
		ch <- result{err: fmt.Errorf("malformed error payload: %w", err)}
		return
	}
	ch <- result{err: &RemoteError{Message: ep.Message, Code: ep.Code}}
}

func (cn *conn) isDead() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.dead
}

func (cn *conn) register(id string, ch chan result) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.dead {
		return false
	}
	cn.pending[id] = ch
	return true
}

func (cn *conn) take(id string) chan result {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	ch := cn.pending[id]
	delete(cn.pending, id)
	return ch
}

func (cn *conn) fail(err error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.dead = true
	for id, ch := range cn.pending {
		ch <- result{err: err}
		delete(cn.pending, id)
	}
}

// Call sends op with the given request payload and decodes the response
// payload into resp.
func (c *Client) Call(ctx context.Context, op string, req, resp any) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return err
	}
	id := ulid.Make().String()
	data, err := msgpack.Marshal(&Request{ID: id, Op: op, Payload: payload})
	if err != nil {
		return err
	}

	cn, err := c.current()
	if err != nil {
		return err
	}
	ch := make(chan result, 1)
	if !cn.register(id, ch) {
		return ErrWorkerUnavailable
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case cn.w.requests <- data:
	case r := <-ch:
		return c.finish(op, r, resp)
	case <-timer.C:
		cn.take(id)
		return fmt.Errorf("%s: %w", op, ErrRequestTimeout)
	case <-ctx.Done():
		cn.take(id)
		return ctx.Err()
	}

	select {
	case r := <-ch:
		return c.finish(op, r, resp)
	case <-timer.C:
		cn.take(id)
		return fmt.Errorf("%s: %w", op, ErrRequestTimeout)
	case <-ctx.Done():
		cn.take(id)
		return ctx.Err()
	}
}

func (c *Client) finish(op string, r result, resp any) error {
	if r.err != nil {
		if re, ok := r.err.(*RemoteError); ok {
			re.Op = op
			return re
		}
		if errors.Is(r.err, ErrWorkerUnavailable) {
			return fmt.Errorf("%s: %w", op, r.err)
		}
		return r.err
	}
	if resp == nil {
		return nil
	}
	return msgpack.Unmarshal(r.payload, resp)
}

func (c *Client) Setup(ctx context.Context, password string, p Params) (*SetupResult, error) {
	var resp setupResponse
	if err := c.Call(ctx, OpSetup, &setupRequest{Password: password, Params: p}, &resp); err != nil {
		return nil, err
	}
	return &SetupResult{Material: resp.Material, Phrase: resp.Phrase, MasterKey: resp.MasterKey}, nil
}

func (c *Client) Verify(ctx context.Context, password string, m *KeyMaterial) ([]byte, error) {
	var resp verifyResponse
	if err := c.Call(ctx, OpVerify, &verifyRequest{Password: password, Material: *m}, &resp); err != nil {
		return nil, err
	}
	return resp.MasterKey, nil
}

func (c *Client) Recover(ctx context.Context, phrase, newPassword string, m *KeyMaterial) (*RecoverResult, error) {
	return c.rewrap(ctx, OpRecover, &recoverRequest{Phrase: phrase, NewPassword: newPassword, Material: *m})
}

func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string, m *KeyMaterial) (*RecoverResult, error) {
	return c.rewrap(ctx, OpChangePassword, &recoverRequest{OldPassword: oldPassword, NewPassword: newPassword, Material: *m})
}

func (c *Client) rewrap(ctx context.Context, op string, req *recoverRequest) (*RecoverResult, error) {
	var resp recoverResponse
	if err := c.Call(ctx, op, req, &resp); err != nil {
		return nil, err
	}
	return &RecoverResult{WrappedMasterKey: resp.WrappedMasterKey, Verifier: resp.Verifier, MasterKey: resp.MasterKey}, nil
}

func (c *Client) Encrypt(ctx context.Context, key, plaintext []byte) (iv, ciphertext []byte, err error) {
	var resp encryptResponse
	if err := c.Call(ctx, OpEncrypt, &encryptRequest{Key: key, Plaintext: plaintext}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.IV, resp.Ciphertext, nil
}

func (c *Client) Decrypt(ctx context.Context, key, iv, ciphertext []byte) ([]byte, error) {
	var resp decryptResponse
	if err := c.Call(ctx, OpDecrypt, &decryptRequest{Key: key, IV: iv, Ciphertext: ciphertext}, &resp); err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}
