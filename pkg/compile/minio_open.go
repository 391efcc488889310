package compile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/cuemby/hyac/pkg/blob"
	hyacerrors "github.com/cuemby/hyac/pkg/errors"
	"github.com/dop251/goja"
)

// ErrFileNotFound and ErrFileExists are raised by a handle's read/open
// step when the requested object is missing, or already present under an
// exclusive-create mode.
var (
	ErrFileNotFound = errors.New("compile: file not found")
	ErrFileExists   = errors.New("compile: file already exists")
)

// streamRetries and streamRetryDelay bound a read's tolerance for blob
// storage's eventual-consistency window right after a write.
const (
	streamRetries    = 3
	streamRetryDelay = 100 * time.Millisecond
)

// fileMode is the parsed form of minio_open's mode string.
type fileMode struct {
	read, write, append, exclusive, update, binary bool
}

func parseMode(mode string) (fileMode, error) {
	m := fileMode{
		read:      strings.Contains(mode, "r"),
		write:     strings.Contains(mode, "w"),
		append:    strings.Contains(mode, "a"),
		exclusive: strings.Contains(mode, "x"),
		update:    strings.Contains(mode, "+"),
		binary:    strings.Contains(mode, "b"),
	}
	exclusiveGroup := 0
	for _, b := range []bool{m.read, m.write, m.append, m.exclusive} {
		if b {
			exclusiveGroup++
		}
	}
	if exclusiveGroup > 1 {
		return fileMode{}, hyacerrors.Validation("modes 'r', 'w', 'a', and 'x' cannot be combined")
	}
	if m.exclusive && m.update {
		return fileMode{}, hyacerrors.Validation("mode 'x+' is invalid")
	}
	if exclusiveGroup == 0 {
		m.read = true
	}
	return m, nil
}

// MinioOpener implements the minio_open capability for a single
// application, scoped to that application's bucket for the lifetime of
// the opener: an explicit collaborator built once per invocation and
// bound into the goja runtime by Prepare, rather than relying on any
// ambient per-request state.
type MinioOpener struct {
	store  blob.Store
	bucket string
}

// NewMinioOpener builds an opener scoped to app_id's primary bucket.
func NewMinioOpener(store blob.Store, bucket string) *MinioOpener {
	return &MinioOpener{store: store, bucket: bucket}
}

// bind returns a goja-callable matching the JS-visible minio_open(path, mode,
// encoding, streaming, content_type) signature. The returned JS value is a
// handle object: .read(), .write(data), and .close() — goja scripts have no
// context-manager equivalent, so the guaranteed upload-on-close the original
// gets from `with minio_open(...)` is instead the caller's responsibility to
// invoke .close(), which every function template does.
func (o *MinioOpener) bind(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := call.Arguments
		arg := func(i int, def string) string {
			if i < len(args) && !goja.IsUndefined(args[i]) && !goja.IsNull(args[i]) {
				return args[i].String()
			}
			return def
		}
		filePath := arg(0, "")
		mode := arg(1, "r")
		encoding := arg(2, "utf-8")
		streaming := len(args) > 3 && args[3].ToBoolean()
		contentType := ""
		if len(args) > 4 && !goja.IsUndefined(args[4]) && !goja.IsNull(args[4]) {
			contentType = args[4].String()
		}

		handle, err := o.Open(ctx, filePath, mode, encoding, streaming, contentType)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(handle.jsObject(vm))
	}
}

// Handle is the object a compiled function interacts with in place of a
// local file, covering both the buffered read/write path and the
// streaming read-only path.
type Handle struct {
	opener      *MinioOpener
	ctx         context.Context
	objectName  string
	filePath    string
	mode        fileMode
	encoding    string
	contentType string

	stream io.ReadCloser // non-nil only for the streaming-read path
	buf    *bytes.Buffer // non-nil for the buffered read/write path
	closed bool
}

// Open acquires path under mode: a streaming read-only open yields a
// chunked reader with retries; every other combination (including a
// non-streaming read) buffers the full object and, for a write mode,
// uploads it on Close.
func (o *MinioOpener) Open(ctx context.Context, filePath, mode, encoding string, streaming bool, contentType string) (*Handle, error) {
	m, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	objectName := strings.TrimPrefix(filePath, "/")
	simpleRead := m.read && !m.write && !m.append && !m.exclusive && !m.update

	h := &Handle{
		opener: o, ctx: ctx, objectName: objectName, filePath: filePath,
		mode: m, encoding: encoding, contentType: contentType,
	}

	if simpleRead && streaming {
		stream, err := h.openStreaming()
		if err != nil {
			return nil, err
		}
		h.stream = stream
		return h, nil
	}

	if err := h.openBuffered(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) openStreaming() (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt < streamRetries; attempt++ {
		rc, _, err := h.opener.store.GetObject(h.ctx, h.opener.bucket, h.objectName)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		if errors.Is(err, blob.ErrNotExist) {
			if attempt < streamRetries-1 {
				time.Sleep(streamRetryDelay)
			}
			continue
		}
		return nil, fmt.Errorf("could not access object %q: %w", h.filePath, err)
	}
	return nil, fmt.Errorf("%w: %q not found after %d retries: %v", ErrFileNotFound, h.filePath, streamRetries, lastErr)
}

func (h *Handle) openBuffered() error {
	var initial []byte

	switch {
	case h.mode.exclusive:
		if _, err := h.opener.store.StatObject(h.ctx, h.opener.bucket, h.objectName); err == nil {
			return fmt.Errorf("%w: %q", ErrFileExists, h.filePath)
		} else if !errors.Is(err, blob.ErrNotExist) {
			return fmt.Errorf("could not access object %q: %w", h.filePath, err)
		}
	case h.mode.read, h.mode.append, h.mode.update:
		rc, _, err := h.opener.store.GetObject(h.ctx, h.opener.bucket, h.objectName)
		switch {
		case err == nil:
			defer rc.Close()
			data, rerr := io.ReadAll(rc)
			if rerr != nil {
				return fmt.Errorf("could not access object %q: %w", h.filePath, rerr)
			}
			initial = data
		case errors.Is(err, blob.ErrNotExist):
			if h.mode.read && !h.mode.update {
				return fmt.Errorf("%w: %q", ErrFileNotFound, h.filePath)
			}
		default:
			return fmt.Errorf("could not access object %q: %w", h.filePath, err)
		}
	}

	// bytes.Buffer reads from the front and writes at the back, which already
	// matches append semantics (new writes land after initial's existing
	// bytes) without a separate seek-to-end step.
	h.buf = bytes.NewBuffer(initial)
	return nil
}

// Read returns the handle's full contents (buffered modes) or the next chunk
// of the streamed object (streaming mode).
func (h *Handle) Read(p []byte) (int, error) {
	if h.stream != nil {
		return h.stream.Read(p)
	}
	if h.buf == nil {
		return 0, io.EOF
	}
	return h.buf.Read(p)
}

// Write appends data to the buffered handle; invalid for a streaming-read
// handle or a read-only buffered handle.
func (h *Handle) Write(p []byte) (int, error) {
	if h.buf == nil || (h.mode.read && !h.mode.update) {
		return 0, hyacerrors.Validation("file %q was not opened for writing", h.filePath)
	}
	return h.buf.Write(p)
}

// Close uploads a buffered write-mode handle's contents, matching
// _buffered_read_write's cleanup phase; it is a no-op for read-only handles.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	if h.stream != nil {
		return h.stream.Close()
	}
	if h.buf == nil {
		return nil
	}
	if !(h.mode.write || h.mode.append || h.mode.exclusive || h.mode.update) {
		return nil
	}

	contentType := h.contentType
	if contentType == "" {
		if guessed := mime.TypeByExtension(path.Ext(h.objectName)); guessed != "" {
			contentType = guessed
		} else {
			contentType = "application/octet-stream"
		}
	}
	data := h.buf.Bytes()
	if err := h.opener.store.PutObject(h.ctx, h.opener.bucket, h.objectName, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("could not write changes to object %q: %w", h.filePath, err)
	}
	return nil
}

// jsObject exposes the handle to a goja runtime as {read(), write(data),
// close()}, the JS-visible surface a compiled function's minio_open(...)
// call returns.
func (h *Handle) jsObject(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("read", func(call goja.FunctionCall) goja.Value {
		data, err := io.ReadAll(h)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if h.mode.binary {
			return vm.ToValue(string(data))
		}
		return vm.ToValue(decodeText(data, h.encoding))
	})
	_ = obj.Set("write", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		payload := call.Arguments[0].String()
		if _, err := h.Write([]byte(payload)); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	_ = obj.Set("close", func(call goja.FunctionCall) goja.Value {
		if err := h.Close(); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	return obj
}

func decodeText(data []byte, encoding string) string {
	// utf-8 is the only encoding the runtime is required to support; other
	// values are accepted and treated identically.
	_ = encoding
	return string(data)
}
