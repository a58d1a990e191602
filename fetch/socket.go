package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Socket forwards file requests to a remote file service over socket.io.
//
// Every request is an event ("open", "seek", "read", "mmap", "close") carrying a
// request id; the service answers with the event "<op>:<id>". The payload of an
// answer is an object with an optional "error" string, where "FILE_NOT_FOUND"
// maps to [fs.ErrNotExist]. Requests block until answered.
type Socket struct {
	emit       func(op string, payload map[string]any)
	once       func(event string, f func(...any))
	disconnect func()
	log        *slog.Logger
	seq        atomic.Uint64
	mu         sync.Mutex
	closed     chan struct{}
	closeOnce  sync.Once
}

// ErrRemote occurs when the file service answers with an error other than not found.
var ErrRemote = errors.New("remote file service")

const errFileNotFound = "FILE_NOT_FOUND"

// DialSocket connects to a file service. The connect handshake is bounded by ctx and a
// fixed 15 second limit; individual requests are not.
func DialSocket(ctx context.Context, rawURL, namespace string, insecure bool, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "socket", "url", rawURL)
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if insecure {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	client := manager.Socket(namespace, opts)

	client.Once(types.EventName("connect"), func(...any) {
		connectChan <- nil
	})
	client.Once(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if err, ok := errs[0].(error); ok {
				connectChan <- err
				return
			}
		}
		connectChan <- errors.New("connect_error")
	})
	client.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			client.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		logger.Debug("connected to file service", "sid", client.Id())
		return newSocket(
			func(op string, payload map[string]any) { client.Emit(op, payload) },
			func(event string, f func(...any)) { client.Once(types.EventName(event), f) },
			func() { client.Disconnect() },
			logger,
		), nil
	case <-ctx.Done():
		client.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(15 * time.Second):
		client.Disconnect()
		return nil, fmt.Errorf("timed out after 15s waiting for socket.io connection")
	}
}

func newSocket(emit func(string, map[string]any), once func(string, func(...any)), disconnect func(), logger *slog.Logger) *Socket {
	return &Socket{emit: emit, once: once, disconnect: disconnect, log: logger, closed: make(chan struct{})}
}

// Close disconnects from the service and fails every pending request.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.disconnect()
	})
	return nil
}

// request emits one event and blocks for its answer. Requests are serialized.
func (s *Socket) request(op string, payload map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strconv.FormatUint(s.seq.Add(1), 10)
	payload["id"] = id
	done := make(chan []any, 1)
	s.once(op+":"+id, func(data ...any) {
		done <- data
	})
	s.log.Debug("file request", "op", op, "id", id)
	s.emit(op, payload)
	var data []any
	select {
	case data = <-done:
	case <-s.closed:
		return nil, fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	resp, ok := data[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected answer %T", ErrRemote, op, data[0])
	}
	if e, ok := resp["error"].(string); ok && e != "" && e != "SUCCESS" {
		if e == errFileNotFound {
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRemote, op, e)
	}
	return resp, nil
}

func (s *Socket) Open(path string) (File, error) {
	resp, err := s.request("open", map[string]any{"path": path})
	if err != nil {
		if IsNotFound(err) {
			return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
		}
		return nil, err
	}
	fd, ok := resp["fd"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: open %s: missing fd", ErrRemote, path)
	}
	return &socketFile{s: s, fd: int64(fd)}, nil
}

type socketFile struct {
	s    *Socket
	fd   int64
	view *bytes.Reader
}

func (f *socketFile) Seek(offset int64) error {
	_, err := f.s.request("seek", map[string]any{"fd": f.fd, "offset": offset})
	return err
}

func (f *socketFile) Read(p []byte) (int, error) {
	resp, err := f.s.request("read", map[string]any{"fd": f.fd, "size": len(p)})
	if err != nil {
		return 0, err
	}
	b, err := decodeData(resp)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, io.EOF
	}
	if len(b) > len(p) {
		return 0, fmt.Errorf("%w: read fd %d: %d bytes answered for %d requested", ErrRemote, f.fd, len(b), len(p))
	}
	return copy(p, b), nil
}

func (f *socketFile) Map() (io.ReaderAt, error) {
	if f.view != nil {
		return f.view, nil
	}
	resp, err := f.s.request("mmap", map[string]any{"fd": f.fd})
	if err != nil {
		return nil, err
	}
	b, err := decodeData(resp)
	if err != nil {
		return nil, err
	}
	f.view = bytes.NewReader(b)
	return f.view, nil
}

func (f *socketFile) Close() error {
	f.view = nil
	_, err := f.s.request("close", map[string]any{"fd": f.fd})
	return err
}

func decodeData(resp map[string]any) ([]byte, error) {
	s, ok := resp["data"].(string)
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data encoding: %v", ErrRemote, err)
	}
	return b, nil
}
