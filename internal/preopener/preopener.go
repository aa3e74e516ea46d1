// Package preopener runs the sequential-read mount's pre-opener thread: it
// opens object streams ahead of demand in listing order and hands them off
// through a bounded queue, recycling unused streams into a freelist
// (spec.md §4.4).
package preopener

import (
	"context"
	"fmt"
	"sync"

	"github.com/clp-compress/s3fuse/internal/attrcache"
	"github.com/clp-compress/s3fuse/internal/objectpath"
	"github.com/clp-compress/s3fuse/internal/objectstream"
	"github.com/clp-compress/s3fuse/pkg/types"
)

// Stream is one hand-off slot: a mount-relative path and its opened
// stream, or an empty recycled slot awaiting reuse.
type Stream struct {
	Path   string
	Reader *objectstream.Reader
}

// PreOpener owns the bounded hand-off queue and the recycled-stream
// freelist for one sequential-read mount.
type PreOpener struct {
	handoff  chan *Stream
	recycled chan *Stream
	shutdown chan struct{}

	cache   *attrcache.Cache
	backend types.Backend
	conv    *objectpath.Converter

	mu           sync.Mutex
	unorderedMap map[string]*Stream
}

// New returns a PreOpener with a hand-off/recycled-slot capacity of
// queueSize (spec.md §4.2's Cache.MaxPreopenedStreams).
func New(cache *attrcache.Cache, backend types.Backend, conv *objectpath.Converter, queueSize int) *PreOpener {
	p := &PreOpener{
		handoff:      make(chan *Stream, queueSize),
		recycled:     make(chan *Stream, queueSize),
		shutdown:     make(chan struct{}),
		cache:        cache,
		backend:      backend,
		conv:         conv,
		unorderedMap: make(map[string]*Stream),
	}
	for i := 0; i < queueSize; i++ {
		p.recycled <- &Stream{}
	}
	return p
}

// Run is the pre-opener thread body: it iterates the attribute cache's
// listing order, pre-opens every file still marked ordered_read_pending,
// and hands each off in order. Once every file has been pre-opened it
// drains the recycled queue indefinitely so release() never blocks
// posting a freed slot, until Stop is called.
func (p *PreOpener) Run(ctx context.Context) {
	for _, path := range p.cache.OrderedFiles() {
		if !p.cache.IsOrderedReadPending(path) {
			continue
		}

		var slot *Stream
		select {
		case slot = <-p.recycled:
		case <-p.shutdown:
			return
		}

		fm, ok := p.cache.GetAttr(path)
		size := int64(-1)
		if ok {
			size = fm.Size
		}
		key, err := p.conv.KeyFromPath(path)
		if err != nil {
			slot.Path = ""
			slot.Reader = nil
			p.recycled <- slot
			continue
		}

		reader, err := objectstream.Open(ctx, p.backend, key, size)
		if err != nil {
			// Could not pre-open; leave the slot free and move on. The
			// handler will open this path lazily on demand.
			p.recycled <- slot
			continue
		}
		slot.Path = path
		slot.Reader = reader

		select {
		case p.handoff <- slot:
		case <-p.shutdown:
			_ = reader.Close()
			return
		}
	}

	// All ordered files pre-opened; keep releasing slots so release()
	// posting to the recycled queue never blocks.
	for {
		select {
		case <-p.recycled:
		case <-p.shutdown:
			return
		}
	}
}

// Stop signals the pre-opener thread to exit and unblocks anything
// waiting on its queues (spec.md §4.7: "signal auxiliary threads via an
// event and unblock any queues by posting a sentinel").
func (p *PreOpener) Stop() {
	close(p.shutdown)
}

// OpenOrdered implements the ordered-mode open path (spec.md §4.4): drain
// the hand-off queue, closing and recycling streams until one matches
// path.
func (p *PreOpener) OpenOrdered(ctx context.Context, path string) (*Stream, error) {
	for {
		select {
		case s := <-p.handoff:
			if s.Path == path {
				p.cache.MarkOpened(path)
				return s, nil
			}
			p.recycle(s)
		case <-p.shutdown:
			return nil, fmt.Errorf("preopener: mount shutting down")
		default:
			return p.openFresh(ctx, path)
		}
	}
}

// OpenUnordered implements the unordered-mode open path (spec.md §4.4,
// §9 Open Question i): check the secondary map first; on miss, drain
// every currently-queued hand-off entry into the map (their ordered-read
// expectation is now void), returning early if the drained entry
// matches; finally open fresh if nothing matched.
func (p *PreOpener) OpenUnordered(ctx context.Context, path string) (*Stream, error) {
	p.mu.Lock()
	if s, ok := p.unorderedMap[path]; ok {
		delete(p.unorderedMap, path)
		p.mu.Unlock()
		p.cache.MarkOpened(path)
		return s, nil
	}
	p.mu.Unlock()

	for {
		select {
		case s := <-p.handoff:
			if s.Path == path {
				p.cache.MarkOpened(path)
				return s, nil
			}
			p.mu.Lock()
			p.unorderedMap[s.Path] = s
			p.mu.Unlock()
		default:
			return p.openFresh(ctx, path)
		}
	}
}

// openFresh opens path on the spot, for an out-of-band access the
// pre-opener never queued.
func (p *PreOpener) openFresh(ctx context.Context, path string) (*Stream, error) {
	key, err := p.conv.KeyFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("preopener: resolving %q: %w", path, err)
	}
	size := int64(-1)
	if fm, ok := p.cache.GetAttr(path); ok {
		size = fm.Size
	}
	reader, err := objectstream.Open(ctx, p.backend, key, size)
	if err != nil {
		return nil, fmt.Errorf("preopener: opening %q fresh: %w", path, err)
	}
	p.cache.MarkOpened(path)
	return &Stream{Path: path, Reader: reader}, nil
}

// Release closes s's stream and returns the slot to the recycled queue.
func (p *PreOpener) Release(s *Stream) error {
	var err error
	if s.Reader != nil {
		err = s.Reader.Close()
	}
	p.recycle(s)
	return err
}

// recycle closes s's reader if still open and returns the slot to the
// freelist, dropping it rather than blocking if the freelist is
// unexpectedly full (it never should be: slots only ever circulate
// between recycled and handoff).
func (p *PreOpener) recycle(s *Stream) {
	if s.Reader != nil {
		_ = s.Reader.Close()
	}
	s.Path = ""
	s.Reader = nil
	select {
	case p.recycled <- s:
	default:
	}
}
