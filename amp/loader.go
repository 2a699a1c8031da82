package amp

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ResourceKind names what a loader produces.
type ResourceKind string

const (
	KindModel ResourceKind = "model"
	KindIR    ResourceKind = "ir"
)

// LoadEvent describes one finished load request.
type LoadEvent struct {
	Kind ResourceKind
	Path string
	Err  error
	// Installed is true when the result became the live resource (an
	// empty Path installs "nothing").
	Installed bool
	// Superseded is true when a newer request arrived while this one was
	// being built; the result was discarded.
	Superseded bool
}

// loader is a single-slot coalescing background worker. Requests overwrite
// the pending slot; the worker only ever builds the most recent one.
type loader[T any] struct {
	kind    ResourceKind
	log     logrus.FieldLogger
	build   func(path string) (T, error)
	install func(path string, v T, ok bool)
	onEvent func(LoadEvent)

	mu         sync.Mutex
	pending    string
	hasPending bool
	seq        uint64
	lastPath   string

	wake chan struct{}
}

func newLoader[T any](kind ResourceKind, log logrus.FieldLogger, build func(string) (T, error), install func(string, T, bool), onEvent func(LoadEvent)) *loader[T] {
	return &loader[T]{
		kind:    kind,
		log:     log.WithField("kind", string(kind)),
		build:   build,
		install: install,
		onEvent: onEvent,
		wake:    make(chan struct{}, 1),
	}
}

// request posts path from a control goroutine. Unless force is set, a path
// equal to the last requested one is ignored.
func (l *loader[T]) request(path string, force bool) {
	l.mu.Lock()
	l.post(path, force)
	l.mu.Unlock()
}

// tryRequest is the audio thread's variant: it never blocks and reports
// false when the slot is busy, in which case the caller retries next block.
func (l *loader[T]) tryRequest(path string) bool {
	if !l.mu.TryLock() {
		return false
	}
	l.post(path, false)
	l.mu.Unlock()
	return true
}

// last returns the most recently requested path.
func (l *loader[T]) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPath
}

func (l *loader[T]) post(path string, force bool) {
	if !force && path == l.lastPath {
		return
	}
	l.pending = path
	l.hasPending = true
	l.lastPath = path
	l.seq++
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loader[T]) take() (string, uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasPending {
		return "", 0, false
	}
	path, seq := l.pending, l.seq
	l.pending = ""
	l.hasPending = false
	return path, seq, true
}

func (l *loader[T]) current(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq == seq
}

// run serves requests until ctx is cancelled.
func (l *loader[T]) run(ctx context.Context) error {
	for {
		for {
			path, seq, ok := l.take()
			if !ok {
				break
			}
			l.serve(path, seq)
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

func (l *loader[T]) serve(path string, seq uint64) {
	ev := LoadEvent{Kind: l.kind, Path: path}
	var (
		v   T
		err error
	)
	if path != "" {
		v, err = l.safeBuild(path)
	}

	if !l.current(seq) {
		ev.Superseded = true
		ev.Err = err
		l.log.WithField("path", path).Debug("discarding superseded load")
		l.emit(ev)
		return
	}

	if err != nil {
		var zero T
		l.install(path, zero, false)
		ev.Err = err
		l.log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("load failed, resource unloaded")
		l.emit(ev)
		return
	}

	l.install(path, v, path != "")
	ev.Installed = true
	if path == "" {
		l.log.Info("resource unloaded")
	} else {
		l.log.WithField("path", path).Info("resource installed")
	}
	l.emit(ev)
}

func (l *loader[T]) safeBuild(path string) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while loading %s: %v", ErrMalformedResource, path, r)
		}
	}()
	return l.build(path)
}

func (l *loader[T]) emit(ev LoadEvent) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
}
