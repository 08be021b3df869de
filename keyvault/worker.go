package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
)

// Operations understood by the worker.
const (
	OpSetup          = "setup"
	OpVerify         = "verify"
	OpRecover        = "recover"
	OpChangePassword = "change_password"
	OpEncrypt        = "encrypt"
	OpDecrypt        = "decrypt"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Request and Response are the messages exchanged with the worker. Responses
// carry the ID of the request they answer and may arrive in any order.
type Request struct {
	ID      string             `msgpack:"id"`
	Op      string             `msgpack:"operation"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type Response struct {
	ID      string             `msgpack:"id"`
	Status  string             `msgpack:"status"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type errorPayload struct {
	Message string `msgpack:"message"`
	Code    string `msgpack:"code,omitempty"`
}

type setupRequest struct {
	Password string `msgpack:"password"`
	Params   Params `msgpack:"params"`
}

type setupResponse struct {
	Material  KeyMaterial `msgpack:"material"`
	Phrase    string      `msgpack:"phrase"`
	MasterKey []byte      `msgpack:"masterKey"`
}

type verifyRequest struct {
	Password string      `msgpack:"password"`
	Material KeyMaterial `msgpack:"material"`
}

type verifyResponse struct {
	MasterKey []byte `msgpack:"masterKey"`
}

type recoverRequest struct {
	Phrase      string      `msgpack:"phrase"`
	OldPassword string      `msgpack:"oldPassword,omitempty"`
	NewPassword string      `msgpack:"newPassword"`
	Material    KeyMaterial `msgpack:"material"`
}

type recoverResponse struct {
	WrappedMasterKey []byte `msgpack:"wrappedMasterKey"`
	Verifier         []byte `msgpack:"verifier"`
	MasterKey        []byte `msgpack:"masterKey"`
}

type encryptRequest struct {
	Key       []byte `msgpack:"key"`
	Plaintext []byte `msgpack:"plaintext"`
}

type encryptResponse struct {
	IV         []byte `msgpack:"iv"`
	Ciphertext []byte `msgpack:"ct"`
}

type decryptRequest struct {
	Key        []byte `msgpack:"key"`
	IV         []byte `msgpack:"iv"`
	Ciphertext []byte `msgpack:"ct"`
}

type decryptResponse struct {
	Plaintext []byte `msgpack:"plaintext"`
}

// Handler executes one operation inside the worker. A Handler that panics
// takes the worker down with it.
type Handler func(ctx context.Context, op string, payload msgpack.RawMessage) (any, error)

// Serve is the default Handler.
func Serve(ctx context.Context, op string, payload msgpack.RawMessage) (any, error) {
	switch op {
	case OpSetup:
		var req setupRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		res, err := Setup(req.Password, req.Params)
		if err != nil {
			return nil, err
		}
		return &setupResponse{Material: res.Material, Phrase: res.Phrase, MasterKey: res.MasterKey}, nil
	case OpVerify:
		var req verifyRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		master, err := Verify(req.Password, &req.Material)
		if err != nil {
			return nil, err
		}
		return &verifyResponse{MasterKey: master}, nil
	case OpRecover, OpChangePassword:
		var req recoverRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		var res *RecoverResult
		var err error
		if op == OpRecover {
			res, err = Recover(req.Phrase, req.NewPassword, &req.Material)
		} else {
			res, err = ChangePassword(req.OldPassword, req.NewPassword, &req.Material)
		}
		if err != nil {
			return nil, err
		}
		return &recoverResponse{WrappedMasterKey: res.WrappedMasterKey, Verifier: res.Verifier, MasterKey: res.MasterKey}, nil
	case OpEncrypt:
		var req encryptRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		iv, ct, err := EncryptField(req.Key, req.Plaintext)
		if err != nil {
			return nil, err
		}
		return &encryptResponse{IV: iv, Ciphertext: ct}, nil
	case OpDecrypt:
		var req decryptRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		pt, err := DecryptField(req.Key, req.IV, req.Ciphertext)
		if err != nil {
			return nil, err
		}
		return &decryptResponse{Plaintext: pt}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

var errorCodes = map[error]string{
	ErrInvalidCredentials:    "invalid_credentials",
	ErrInvalidRecoveryPhrase: "invalid_recovery_phrase",
	ErrDecrypt:               "decrypt",
}

func errorCode(err error) string {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func errorForCode(code string) error {
	for sentinel, c := range errorCodes {
		if c == code {
			return sentinel
		}
	}
	return nil
}

// worker is the background execution context. It owns no state besides its
// channels; requests are processed one at a time in arrival order.
type worker struct {
	requests  chan []byte
	responses chan []byte
	stop      chan struct{}
	done      chan struct{}
}

func startWorker(ctx context.Context, handler Handler, logger *slog.Logger) *worker {
	w := &worker{
		requests:  make(chan []byte, 64),
		responses: make(chan []byte, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run(ctx, handler, logger)
	return w
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) run(ctx context.Context, handler Handler, logger *slog.Logger) {
	defer close(w.done)
	defer func() {
		if e := recover(); e != nil {
			logger.Error("keyvault: worker crashed", "err", fmt.Sprint(e))
		}
	}()
	for {
		select {
		case <-w.stop:
			return
		case data := <-w.requests:
			resp := w.handle(ctx, handler, data)
			w.responses <- resp
		}
	}
}

func (w *worker) handle(ctx context.Context, handler Handler, data []byte) []byte {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		// no ID to answer to
		panic(fmt.Errorf("malformed request: %w", err))
	}

	resp := Response{ID: req.ID, Status: statusSuccess}
	result, err := handler(ctx, req.Op, req.Payload)
	if err == nil {
		resp.Payload, err = msgpack.Marshal(result)
	}
	if err != nil {
		resp.Status = statusError
		resp.Payload = must(msgpack.Marshal(&errorPayload{Message: err.Error(), Code: errorCode(err)}))
	}
	return must(msgpack.Marshal(&resp))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
