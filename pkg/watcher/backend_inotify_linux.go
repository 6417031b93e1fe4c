//go:build linux

package watcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY | unix.IN_ATTRIB |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF | unix.IN_ONLYDIR

// InotifyBackend talks to inotify directly. The watch descriptor is the
// token, so registering the same directory twice yields the same token.
type InotifyBackend struct {
	fd   int
	wake int // eventfd, written to interrupt poll

	mu      sync.Mutex
	watches map[Token]string

	takeMu sync.Mutex
	queue  []Batch
	buf    []byte

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewInotifyBackend() (Backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	b := InotifyBackend{
		fd:      fd,
		wake:    wake,
		watches: make(map[Token]string),
		buf:     make([]byte, maxBatchSize*(unix.SizeofInotifyEvent+unix.NAME_MAX+1)),
	}
	return &b, nil
}

func (b *InotifyBackend) Register(dir string) (Token, error) {
	dir = filepath.Clean(dir)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrBackendClosed
	}

	wd, err := unix.InotifyAddWatch(b.fd, dir, inotifyMask)
	if err != nil {
		if errors.Is(err, unix.ENOTDIR) {
			return 0, fmt.Errorf("%s: %w", dir, errors.Join(ErrNotDirectory, err))
		}
		return 0, classify(dir, err)
	}

	token := Token(wd)
	b.watches[token] = dir
	return token, nil
}

func (b *InotifyBackend) Cancel(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.watches[token]; !ok {
		return
	}
	delete(b.watches, token)

	if !b.closed.Load() {
		//nolint:gosec // wd is a small non-negative int handed out by inotify
		_, _ = unix.InotifyRmWatch(b.fd, uint32(token))
	}
}

func (b *InotifyBackend) TakeNextBatch(ctx context.Context) (Batch, error) {
	b.takeMu.Lock()
	defer b.takeMu.Unlock()

	stop := context.AfterFunc(ctx, b.interrupt)
	defer stop()

	fds := make([]unix.PollFd, 2)
	for {
		if b.closed.Load() {
			return Batch{}, ErrBackendClosed
		}
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if len(b.queue) > 0 {
			batch := b.queue[0]
			b.queue = b.queue[1:]
			return batch, nil
		}

		fds[0] = unix.PollFd{Fd: int32(b.fd), Events: unix.POLLIN}
		fds[1] = unix.PollFd{Fd: int32(b.wake), Events: unix.POLLIN}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Batch{}, fmt.Errorf("inotify poll: %w", err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			b.drainWake()
			continue
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if _, err := b.read(); err != nil {
				return Batch{}, err
			}
		}
	}
}

// read parses one buffer of inotify events into b.queue. It returns the
// number of bytes consumed; 0 means nothing was available.
func (b *InotifyBackend) read() (int, error) {
	n, err := unix.Read(b.fd, b.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("inotify read: %w", err)
	}

	overflow := false
	for off := 0; off+unix.SizeofInotifyEvent <= n; {
		wd := int32(binary.NativeEndian.Uint32(b.buf[off:]))
		mask := binary.NativeEndian.Uint32(b.buf[off+4:])
		nameLen := int(binary.NativeEndian.Uint32(b.buf[off+12:]))

		start := off + unix.SizeofInotifyEvent
		end := start + nameLen
		if end > n {
			break
		}
		name := strings.TrimRight(string(b.buf[start:end]), "\x00")
		off = end

		if mask&unix.IN_Q_OVERFLOW != 0 {
			overflow = true
			continue
		}
		b.queueEvent(Token(wd), mask, name)
	}

	if overflow {
		return n, ErrEventOverflow
	}
	return n, nil
}

func (b *InotifyBackend) queueEvent(token Token, mask uint32, name string) {
	b.mu.Lock()
	_, live := b.watches[token]
	if mask&unix.IN_IGNORED != 0 {
		// watch is gone: directory removed or unmounted
		delete(b.watches, token)
	}
	b.mu.Unlock()

	if !live || name == "" {
		return
	}

	var kind Kind
	switch {
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		kind = Deleted
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		kind = Created
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0:
		kind = Modified
	default:
		return
	}

	raw := RawEvent{Kind: kind, Name: name}
	if last := len(b.queue) - 1; last >= 0 && b.queue[last].Token == token && len(b.queue[last].Events) < maxBatchSize {
		b.queue[last].Events = append(b.queue[last].Events, raw)
		return
	}
	b.queue = append(b.queue, Batch{Token: token, Events: []RawEvent{raw}})
}

func (b *InotifyBackend) Flush() {
	b.takeMu.Lock()
	defer b.takeMu.Unlock()

	if b.closed.Load() {
		return
	}
	for {
		n, _ := b.read()
		if n == 0 {
			break
		}
	}
	b.queue = nil
}

func (b *InotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		b.mu.Unlock()

		b.interrupt()

		b.takeMu.Lock()
		defer b.takeMu.Unlock()
		err = errors.Join(unix.Close(b.fd), unix.Close(b.wake))
	})
	return err
}

func (b *InotifyBackend) interrupt() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(b.wake, one[:])
}

func (b *InotifyBackend) drainWake() {
	var v [8]byte
	_, _ = unix.Read(b.wake, v[:])
}
