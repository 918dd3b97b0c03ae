// File: internal/a2a/file.go
package a2a

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// TransportFile is the registry name of the file-queue transport.
const TransportFile = "file"

func init() {
	Register(TransportFile, func(logger *zap.Logger, cfg config.A2AConfig) (Transport, error) {
		return NewFileTransport(logger, cfg.Dir)
	})
}

const (
	offsetsFile = ".offsets.json"
	// Upper bound for one serialized message line.
	maxLineBytes = 8 * 1024 * 1024
)

var allMessageTypes = []schemas.MessageType{
	schemas.MsgHello,
	schemas.MsgPublish,
	schemas.MsgFetch,
	schemas.MsgReport,
	schemas.MsgDecision,
	schemas.MsgRevoke,
}

// FileTransport exchanges messages through a local mailbox pair: sends
// append to outbox/<type>.jsonl, receipt scans inbox/<type>.jsonl. A relay
// outside this process moves outbox files into peer inboxes. Read offsets
// persist next to the inbox so a restart does not replay old messages.
type FileTransport struct {
	logger *zap.Logger
	outbox string
	inbox  string

	mu      sync.Mutex
	offsets map[string]int64
}

// NewFileTransport builds the transport rooted at dir, creating the mailbox
// directories as needed.
func NewFileTransport(logger *zap.Logger, dir string) (*FileTransport, error) {
	if dir == "" {
		return nil, fmt.Errorf("a2a: file transport needs a directory")
	}
	t := &FileTransport{
		logger:  logger.Named("a2a-file"),
		outbox:  filepath.Join(dir, "outbox"),
		inbox:   filepath.Join(dir, "inbox"),
		offsets: make(map[string]int64),
	}
	for _, d := range []string{t.outbox, t.inbox} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("a2a: create mailbox dir: %w", err)
		}
	}
	if err := t.loadOffsets(); err != nil {
		t.logger.Warn("Inbox offsets unreadable, starting from the top.", zap.Error(err))
	}
	return t, nil
}

func (t *FileTransport) Name() string { return TransportFile }

// Send appends the message to the outbox queue for its type.
func (t *FileTransport) Send(_ context.Context, msg schemas.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("a2a: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("a2a: encode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.queuePath(t.outbox, msg.Type), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("a2a: open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("a2a: append outbox: %w", err)
	}
	return nil
}

// Receive returns every inbox message appended since the previous call,
// across all queue files, ordered by timestamp.
func (t *FileTransport) Receive(_ context.Context) ([]schemas.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var msgs []schemas.Message
	for _, mt := range allMessageTypes {
		batch, next, err := t.readQueue(mt, t.offsets[string(mt)])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, batch...)
		t.offsets[string(mt)] = next
	}
	if err := t.saveOffsets(); err != nil {
		t.logger.Warn("Failed to persist inbox offsets.", zap.Error(err))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

// List returns the full inbox backlog of one message type without moving
// the read offset.
func (t *FileTransport) List(_ context.Context, mt schemas.MessageType) ([]schemas.Message, error) {
	if !schemas.ValidMessageType(mt) {
		return nil, fmt.Errorf("a2a: unknown message type %q", mt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs, _, err := t.readQueue(mt, 0)
	return msgs, err
}

// Follow tails the inbox publish queue and streams each new asset message
// until ctx ends. Messages already present are not replayed; Receive covers
// the backlog.
func (t *FileTransport) Follow(ctx context.Context) (<-chan schemas.Message, error) {
	tf, err := tail.TailFile(t.queuePath(t.inbox, schemas.MsgPublish), tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("a2a: tail inbox: %w", err)
	}

	out := make(chan schemas.Message)
	go func() {
		defer close(out)
		defer func() {
			tf.Stop()
			tf.Cleanup()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-tf.Lines:
				if !ok {
					return
				}
				if line.Err != nil {
					t.logger.Warn("Error while tailing inbox.", zap.Error(line.Err))
					continue
				}
				msg, err := decodeLine([]byte(line.Text))
				if err != nil {
					t.logger.Warn("Skipping malformed inbox line.", zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; queue files are opened per operation and followers are
// bound to their context.
func (t *FileTransport) Close() error { return nil }

func (t *FileTransport) queuePath(dir string, mt schemas.MessageType) string {
	return filepath.Join(dir, string(mt)+".jsonl")
}

// readQueue scans one inbox queue starting at offset and returns the decoded
// messages plus the offset after the last full line. Malformed lines are
// skipped with a warning; a short partial write at the tail stays unread
// until the writer finishes it.
func (t *FileTransport) readQueue(mt schemas.MessageType, offset int64) ([]schemas.Message, int64, error) {
	path := t.queuePath(t.inbox, mt)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("a2a: open inbox queue: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("a2a: seek inbox queue: %w", err)
		}
	}

	var msgs []schemas.Message
	next := offset
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, n, err := readLine(reader)
		if err == io.EOF {
			// An incomplete trailing line stays pending until the writer
			// finishes it; the offset is left in front of it.
			break
		}
		if err != nil {
			return nil, next, fmt.Errorf("a2a: read inbox queue: %w", err)
		}
		next += int64(n)
		if line == nil {
			t.logger.Warn("Skipping oversized inbox line.", zap.String("queue", path), zap.Int("bytes", n))
			continue
		}
		msg, err := decodeLine(line)
		if err != nil {
			t.logger.Warn("Skipping malformed inbox line.", zap.String("queue", path), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, next, nil
}

// readLine returns the next newline-terminated line and its byte length. A
// line beyond maxLineBytes is consumed but returned nil, so a flooded queue
// cannot buffer unbounded memory. io.EOF means the remaining bytes do not
// form a complete line yet.
func readLine(r *bufio.Reader) ([]byte, int, error) {
	var buf []byte
	n := 0
	for {
		frag, err := r.ReadSlice('\n')
		n += len(frag)
		switch err {
		case nil:
			if n > maxLineBytes {
				return nil, n, nil
			}
			return append(buf, frag...), n, nil
		case bufio.ErrBufferFull:
			if n <= maxLineBytes {
				buf = append(buf, frag...)
			} else {
				buf = nil
			}
		case io.EOF:
			return nil, 0, io.EOF
		default:
			return nil, 0, err
		}
	}
}

func decodeLine(line []byte) (schemas.Message, error) {
	var msg schemas.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return schemas.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return schemas.Message{}, err
	}
	return msg, nil
}

func (t *FileTransport) offsetsPath() string { return filepath.Join(t.inbox, offsetsFile) }

func (t *FileTransport) loadOffsets() error {
	data, err := os.ReadFile(t.offsetsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &t.offsets)
}

func (t *FileTransport) saveOffsets() error {
	data, err := json.Marshal(t.offsets)
	if err != nil {
		return err
	}
	tmp := t.offsetsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.offsetsPath())
}
