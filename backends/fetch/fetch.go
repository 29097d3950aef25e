// Package fetch serves read-only files from an HTTP origin. Files are
// materialized lazily: a lookup issues a HEAD request and the body is only
// downloaded on first read, then kept in an LRU cache.
//
// Directories exist only locally. HTTP offers no listing, so ReadDir reports
// the entries that were created or looked up so far.
//
// Requests run on the backend's dedicated worker goroutine and callers block
// until it answers. Calling into the backend from code running on that
// worker fails with [worker.ErrWorkerReentry].
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/brettbedarf/mountfs/internal/worker"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRetries      = 3
	DefaultCacheEntries = 64

	rootID uint64 = 1
)

// Options tune a fetch backend. Zero values select the defaults.
type Options struct {
	Client       *http.Client
	Header       http.Header // added to every request
	Retries      int         // retries after the first attempt on 5xx and transport errors
	CacheEntries int         // file bodies kept in memory
	RetryBackoff time.Duration
}

type node struct {
	id      uint64
	mode    uint32
	remote  string            // path below the base URL
	entries map[string]uint64 // directories only, guarded by Backend.mu
	nlink   uint32            // guarded by Backend.mu
	mtime   time.Time
	size    atomic.Int64 // -1 until known
}

func (n *node) isDir() bool {
	return n.entries != nil
}

// Backend fetches file content below a base URL
type Backend struct {
	id      mountfs.BackendID
	base    *url.URL
	client  *http.Client
	header  http.Header
	retries int
	backoff time.Duration

	nodes  *xsync.Map[uint64, *node]
	lastID atomic.Uint64
	mu     sync.RWMutex // directory entries and link counts

	group  singleflight.Group
	cache  *lru.Cache[string, []byte]
	worker *worker.Worker
}

// New creates a backend rooted at baseURL
func New(baseURL string, opts Options) (*Backend, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch base url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("fetch base url %q: %w", baseURL, mountfs.EINVAL)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = DefaultCacheEntries
	}
	cache, err := lru.New[string, []byte](opts.CacheEntries)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		id:      mountfs.NewBackendID(),
		base:    base,
		client:  opts.Client,
		header:  opts.Header,
		retries: opts.Retries,
		backoff: opts.RetryBackoff,
		nodes:   xsync.NewMap[uint64, *node](),
		cache:   cache,
		worker:  worker.New("fetch:" + base.String()),
	}
	root := &node{id: rootID, mode: mountfs.ModeDir | 0o555, entries: map[string]uint64{}, nlink: 2, mtime: time.Now()}
	b.nodes.Store(rootID, root)
	b.lastID.Store(rootID)
	return b, nil
}

// Constructor adapts [New] to [mountfs.Constructor]. arg is the base URL.
func Constructor(arg any) (mountfs.Backend, error) {
	u, ok := arg.(string)
	if !ok {
		return nil, fmt.Errorf("fetch: expected string base url, got %T", arg)
	}
	return New(u, Options{})
}

func (b *Backend) ID() mountfs.BackendID { return b.id }

func (b *Backend) Kind() string { return "fetch" }

// BaseURL returns the origin files are fetched from
func (b *Backend) BaseURL() string { return b.base.String() }

// Close stops the worker. Requests issued afterwards fail.
func (b *Backend) Close() error {
	return b.worker.Close()
}

func (b *Backend) load(k mountfs.Key) (*node, error) {
	id, ok := k.(uint64)
	if !ok {
		return nil, mountfs.EINVAL
	}
	n, ok := b.nodes.Load(id)
	if !ok {
		return nil, mountfs.ENOENT
	}
	return n, nil
}

func (b *Backend) dir(k mountfs.Key) (*node, error) {
	n, err := b.load(k)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, mountfs.ENOTDIR
	}
	return n, nil
}

func (b *Backend) attrOf(n *node) mountfs.Attr {
	size := max(n.size.Load(), 0)
	if n.isDir() {
		size = int64(len(n.entries))
	}
	return mountfs.Attr{Mode: n.mode, Size: size, Nlink: n.nlink, Atime: n.mtime, Mtime: n.mtime, Ctime: n.mtime}
}

func (b *Backend) entryOf(name string, n *node) mountfs.Entry {
	return mountfs.Entry{Name: name, Key: n.id, Attr: b.attrOf(n)}
}

func (b *Backend) Root(ctx context.Context) (mountfs.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, _ := b.nodes.Load(rootID)
	return b.entryOf("", n), nil
}

func joinRemote(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// newLocked links a new node under d (if any). Caller must hold b.mu.
func (b *Backend) newLocked(d *node, name string, mode uint32, size int64) *node {
	n := &node{id: b.lastID.Add(1), mode: mode, nlink: 1, mtime: time.Now()}
	n.size.Store(size)
	if mountfs.KindOf(mode) == mountfs.KindDir {
		n.entries = map[string]uint64{}
		n.nlink = 2
	}
	if d != nil {
		n.remote = joinRemote(d.remote, name)
		d.entries[name] = n.id
		if n.isDir() {
			d.nlink++
		}
	} else {
		n.remote = name
	}
	b.nodes.Store(n.id, n)
	return n
}

// Lookup returns a known entry, or asks the origin whether a file exists at
// the derived URL and materializes a placeholder when it does
func (b *Backend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	d, err := b.dir(dir)
	if err != nil {
		return mountfs.Entry{}, err
	}
	b.mu.RLock()
	if id, ok := d.entries[name]; ok {
		n, _ := b.nodes.Load(id)
		e := b.entryOf(name, n)
		b.mu.RUnlock()
		return e, nil
	}
	remote := joinRemote(d.remote, name)
	b.mu.RUnlock()

	size, err := b.head(ctx, remote)
	if err != nil {
		return mountfs.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := d.entries[name]; ok {
		n, _ := b.nodes.Load(id)
		return b.entryOf(name, n), nil
	}
	n := b.newLocked(d, name, mountfs.ModeFile|0o444, size)
	return b.entryOf(name, n), nil
}

// Create declares a remote file. Content is fetched from the derived URL on
// first read. Detached files are fetched from the base URL joined with name.
func (b *Backend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	mode = mountfs.ModeFile | mode&mountfs.ModePerm&^0o222
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == nil {
		return b.entryOf(name, b.newLocked(nil, name, mode, -1)), nil
	}
	d, err := b.dir(dir)
	if err != nil {
		return mountfs.Entry{}, err
	}
	if _, ok := d.entries[name]; ok {
		return mountfs.Entry{}, mountfs.EEXIST
	}
	return b.entryOf(name, b.newLocked(d, name, mode, -1)), nil
}

func (b *Backend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	d, err := b.dir(dir)
	if err != nil {
		return mountfs.Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := d.entries[name]; ok {
		return mountfs.Entry{}, mountfs.EEXIST
	}
	return b.entryOf(name, b.newLocked(d, name, mountfs.ModeDir|mode&mountfs.ModePerm, 0)), nil
}

func (b *Backend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	n, err := b.load(key)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, mountfs.EISDIR
	}
	if flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, mountfs.EROFS
	}
	return &handle{b: b, n: n}, nil
}

func (b *Backend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	return mountfs.EROFS
}

// Rename is rejected: a file's URL is derived from its path
func (b *Backend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	return mountfs.EROFS
}

// Unlink forgets a placeholder. The origin is not touched.
func (b *Backend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == nil {
		n, err := b.load(key)
		if err != nil {
			return err
		}
		n.nlink = 0
		return nil
	}
	d, err := b.dir(dir)
	if err != nil {
		return err
	}
	id, ok := d.entries[name]
	if !ok {
		return mountfs.ENOENT
	}
	n, _ := b.nodes.Load(id)
	if n.isDir() {
		return mountfs.EISDIR
	}
	delete(d.entries, name)
	n.nlink = 0
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.dir(dir)
	if err != nil {
		return err
	}
	id, ok := d.entries[name]
	if !ok {
		return mountfs.ENOENT
	}
	n, _ := b.nodes.Load(id)
	if !n.isDir() {
		return mountfs.ENOTDIR
	}
	if len(n.entries) > 0 {
		return mountfs.ENOTEMPTY
	}
	delete(d.entries, name)
	d.nlink--
	n.nlink = 0
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	d, err := b.dir(dir)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]mountfs.DirEntry, 0, len(d.entries))
	for name, id := range d.entries {
		n, _ := b.nodes.Load(id)
		out = append(out, mountfs.DirEntry{Name: name, Kind: mountfs.KindOf(n.mode)})
	}
	slices.SortFunc(out, func(x, y mountfs.DirEntry) int { return strings.Compare(x.Name, y.Name) })
	return out, nil
}

// Stat asks the origin for the size of a file whose size is still unknown
func (b *Backend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	n, err := b.load(key)
	if err != nil {
		return mountfs.Attr{}, err
	}
	if !n.isDir() && n.size.Load() < 0 {
		size, err := b.head(ctx, n.remote)
		if err != nil {
			return mountfs.Attr{}, err
		}
		n.size.CompareAndSwap(-1, size)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attrOf(n), nil
}

func (b *Backend) Reclaim(ctx context.Context, key mountfs.Key) error {
	n, err := b.load(key)
	if err != nil {
		return err
	}
	if n.id == rootID {
		return mountfs.EBUSY
	}
	b.mu.RLock()
	gone := n.nlink == 0
	b.mu.RUnlock()
	if gone {
		b.nodes.Delete(n.id)
		b.cache.Remove(b.url(n.remote))
	}
	return nil
}

// CachedBodies returns the number of file bodies held in memory
func (b *Backend) CachedBodies() int {
	return b.cache.Len()
}

func (b *Backend) url(remote string) string {
	return b.base.JoinPath(strings.Split(remote, "/")...).String()
}

// errStatus carries a non-success HTTP status
type errStatus struct {
	url  string
	code int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.url, http.StatusText(e.code))
}

// statusErr classifies a response: missing files become ENOENT, other client
// errors stop the retries and server errors are retried
func statusErr(u string, code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return backoff.Permanent(mountfs.ENOENT)
	case code >= 400 && code < 500:
		return backoff.Permanent(&errStatus{url: u, code: code})
	default:
		return &errStatus{url: u, code: code}
	}
}

// do sends a request on the worker, retrying transport errors and 5xx responses
func (b *Backend) do(ctx context.Context, method, u string, fn func(resp *http.Response) error) error {
	return b.worker.Do(ctx, func(ctx context.Context) error {
		return b.send(ctx, method, u, fn)
	})
}

func (b *Backend) send(ctx context.Context, method, u string, fn func(resp *http.Response) error) error {
	logger := util.GetLogger("Fetch")

	bo := backoff.NewExponentialBackOff()
	if b.backoff > 0 {
		bo.InitialInterval = b.backoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.retries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range b.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := b.client.Do(req)
		if err != nil {
			logger.Debug().Err(err).Str("url", u).Int("attempt", attempt).Msg("Request failed")
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.Debug().Str("url", u).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("Unexpected status")
			return statusErr(u, resp.StatusCode)
		}
		return fn(resp)
	}, policy)
}

// head returns the content length of remote, or 0 when the origin omits it
func (b *Backend) head(ctx context.Context, remote string) (int64, error) {
	var size int64
	err := b.do(ctx, http.MethodHead, b.url(remote), func(resp *http.Response) error {
		size = max(resp.ContentLength, 0)
		return nil
	})
	return size, err
}

// content returns the body of n, downloading it once for all concurrent readers
func (b *Backend) content(ctx context.Context, n *node) ([]byte, error) {
	u := b.url(n.remote)
	if data, ok := b.cache.Get(u); ok {
		return data, nil
	}
	v, err, _ := b.group.Do(u, func() (any, error) {
		var data []byte
		err := b.do(ctx, http.MethodGet, u, func(resp *http.Response) error {
			var err error
			data, err = io.ReadAll(resp.Body)
			return err
		})
		if err != nil {
			return nil, err
		}
		b.cache.Add(u, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	n.size.Store(int64(len(data)))
	return data, nil
}

// handle reads through the body cache
type handle struct {
	b *Backend
	n *node
}

func (h *handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	data, err := h.b.content(ctx, h.n)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(p, data[off:]), nil
}

func (h *handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, mountfs.EROFS
}

func (h *handle) Close(ctx context.Context) error {
	return nil
}

var _ mountfs.Backend = (*Backend)(nil)
