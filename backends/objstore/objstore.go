// Package objstore stores the tree in an S3 compatible bucket. Files are
// objects named after their path below a prefix; directories are zero-length
// marker objects ending in "/", though any common key prefix also reads as a
// directory.
//
// Handles buffer the whole object. Writes are uploaded on Sync and on Close
// of a modified handle.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
)

// API is the subset of *s3.Client the backend uses
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options select the bucket and how to reach it
type Options struct {
	Bucket   string
	Prefix   string // key prefix the tree lives under, without leading slash
	Region   string
	Endpoint string // custom endpoint, i.e. a local S3 emulator; implies path style

	// Static credentials. The default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// entry is the key of a node. Renames update it in place.
type entry struct {
	parent *entry
	name   string
	gone   bool // unlinked; buffered writes are dropped
}

// Backend maps the tree onto objects
type Backend struct {
	id     mountfs.BackendID
	api    API
	bucket string
	prefix string
	top    *entry
	mu     sync.RWMutex // protects entry links
}

// New loads the AWS configuration and connects to the bucket
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("objstore: bucket required: %w", mountfs.EINVAL)
	}
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewWithAPI(s3.NewFromConfig(cfg, s3Opts...), opts.Bucket, opts.Prefix), nil
}

// NewWithAPI serves bucket/prefix through an existing client
func NewWithAPI(api API, bucket, prefix string) *Backend {
	return &Backend{
		id:     mountfs.NewBackendID(),
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		top:    &entry{},
	}
}

// Constructor adapts [New] to [mountfs.Constructor]. arg must be [Options].
func Constructor(arg any) (mountfs.Backend, error) {
	opts, ok := arg.(Options)
	if !ok {
		return nil, fmt.Errorf("objstore: expected objstore.Options, got %T", arg)
	}
	return New(context.Background(), opts)
}

func (b *Backend) ID() mountfs.BackendID { return b.id }

func (b *Backend) Kind() string { return "s3" }

// Bucket returns the bucket name
func (b *Backend) Bucket() string { return b.bucket }

func entryOf(k mountfs.Key) (*entry, error) {
	e, ok := k.(*entry)
	if !ok || e == nil {
		return nil, mountfs.EINVAL
	}
	return e, nil
}

// objectKey returns the object key of e without a trailing slash; "" for the
// top when there is no prefix
func (b *Backend) objectKey(e *entry) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var parts []string
	for cur := e; cur != nil && cur != b.top; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	if b.prefix != "" {
		parts = append(parts, b.prefix)
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

func (b *Backend) unlinked(e *entry) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return e.gone
}

func (b *Backend) childKey(dir mountfs.Key, name string) (*entry, string, error) {
	d, err := entryOf(dir)
	if err != nil {
		return nil, "", err
	}
	return d, joinKey(b.objectKey(d), name), nil
}

func joinKey(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// dirPrefix returns the listing prefix of a directory key
func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// mapErr narrows SDK errors to the taxonomy
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return mountfs.ENOENT
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return mountfs.ENOENT
		case "AccessDenied":
			return fmt.Errorf("%w: %w", mountfs.EPERM, err)
		}
	}
	return err
}

func fileAttr(size int64, mtime time.Time) mountfs.Attr {
	return mountfs.Attr{Mode: mountfs.ModeFile | 0o644, Size: size, Nlink: 1, Atime: mtime, Mtime: mtime, Ctime: mtime}
}

func dirAttr() mountfs.Attr {
	return mountfs.Attr{Mode: mountfs.ModeDir | 0o755, Nlink: 2}
}

func (b *Backend) head(ctx context.Context, key string) (mountfs.Attr, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return mountfs.Attr{}, mapErr(err)
	}
	return fileAttr(aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified)), nil
}

// isDir reports whether any object lives below key
func (b *Backend) isDir(ctx context.Context, key string) (bool, error) {
	out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapErr(err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// statKey returns the attributes of the file or directory at key
func (b *Backend) statKey(ctx context.Context, key string) (mountfs.Attr, error) {
	if key == "" {
		return dirAttr(), nil
	}
	attr, err := b.head(ctx, key)
	if err == nil {
		return attr, nil
	}
	if !errors.Is(err, mountfs.ENOENT) {
		return mountfs.Attr{}, err
	}
	dir, err := b.isDir(ctx, key)
	if err != nil {
		return mountfs.Attr{}, err
	}
	if !dir {
		return mountfs.Attr{}, mountfs.ENOENT
	}
	return dirAttr(), nil
}

func (b *Backend) put(ctx context.Context, key string, data []byte) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return mapErr(err)
}

func (b *Backend) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, mapErr(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

func (b *Backend) del(ctx context.Context, key string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	return mapErr(err)
}

func (b *Backend) copy(ctx context.Context, from, to string) error {
	_, err := b.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(url.PathEscape(b.bucket + "/" + from)),
	})
	return mapErr(err)
}

// list returns every object key below prefix
func (b *Backend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Backend) Root(ctx context.Context) (mountfs.Entry, error) {
	return mountfs.Entry{Key: b.top, Attr: dirAttr()}, nil
}

func (b *Backend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	d, key, err := b.childKey(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	attr, err := b.statKey(ctx, key)
	if err != nil {
		return mountfs.Entry{}, err
	}
	return mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: attr}, nil
}

// exists reports whether key names a file or directory
func (b *Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.statKey(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mountfs.ENOENT):
		return false, nil
	default:
		return false, err
	}
}

func (b *Backend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	if dir == nil {
		// objects are named by their path
		return mountfs.Entry{}, mountfs.EXDEV
	}
	d, key, err := b.childKey(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	if ok, err := b.exists(ctx, key); err != nil {
		return mountfs.Entry{}, err
	} else if ok {
		return mountfs.Entry{}, mountfs.EEXIST
	}
	if err := b.put(ctx, key, nil); err != nil {
		return mountfs.Entry{}, err
	}
	return mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: fileAttr(0, time.Now())}, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	d, key, err := b.childKey(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	if ok, err := b.exists(ctx, key); err != nil {
		return mountfs.Entry{}, err
	} else if ok {
		return mountfs.Entry{}, mountfs.EEXIST
	}
	if err := b.put(ctx, dirPrefix(key), nil); err != nil {
		return mountfs.Entry{}, err
	}
	return mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: dirAttr()}, nil
}

// Open downloads the object into the handle's buffer
func (b *Backend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	e, err := entryOf(key)
	if err != nil {
		return nil, err
	}
	k := b.objectKey(e)
	data, err := b.get(ctx, k)
	if errors.Is(err, mountfs.ENOENT) {
		if dir, derr := b.isDir(ctx, k); derr == nil && dir {
			return nil, mountfs.EISDIR
		}
	}
	if err != nil {
		return nil, err
	}
	return &handle{b: b, e: e, data: data}, nil
}

func (b *Backend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	e, err := entryOf(key)
	if err != nil {
		return err
	}
	k := b.objectKey(e)
	data, err := b.get(ctx, k)
	if err != nil {
		return err
	}
	return b.put(ctx, k, resize(data, size))
}

func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	return append(data, make([]byte, size-int64(len(data)))...)
}

// Rename copies every object below the source and deletes the originals.
// Not atomic: a failure part way leaves both copies.
func (b *Backend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	logger := util.GetLogger("ObjStore.Rename")

	_, from, err := b.childKey(oldDir, oldName)
	if err != nil {
		return err
	}
	nd, to, err := b.childKey(newDir, newName)
	if err != nil {
		return err
	}

	attr, err := b.statKey(ctx, from)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		if dstAttr, err := b.statKey(ctx, to); err == nil && dstAttr.IsDir() {
			keys, err := b.list(ctx, dirPrefix(to))
			if err != nil {
				return err
			}
			if slices.ContainsFunc(keys, func(k string) bool { return k != dirPrefix(to) }) {
				return mountfs.ENOTEMPTY
			}
		}
		keys, err := b.list(ctx, dirPrefix(from))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.copy(ctx, k, dirPrefix(to)+strings.TrimPrefix(k, dirPrefix(from))); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err := b.del(ctx, k); err != nil {
				return err
			}
		}
		logger.Debug().Str("from", from).Str("to", to).Int("objects", len(keys)).Msg("Moved directory")
	} else {
		if err := b.copy(ctx, from, to); err != nil {
			return err
		}
		if err := b.del(ctx, from); err != nil {
			return err
		}
	}

	if e, ok := key.(*entry); ok && e != nil {
		b.mu.Lock()
		e.parent, e.name = nd, newName
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	if dir == nil {
		return mountfs.EXDEV
	}
	_, k, err := b.childKey(dir, name)
	if err != nil {
		return err
	}
	attr, err := b.statKey(ctx, k)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return mountfs.EISDIR
	}
	if err := b.del(ctx, k); err != nil {
		return err
	}
	if e, ok := key.(*entry); ok && e != nil {
		b.mu.Lock()
		e.gone = true
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	_, k, err := b.childKey(dir, name)
	if err != nil {
		return err
	}
	attr, err := b.statKey(ctx, k)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return mountfs.ENOTDIR
	}
	keys, err := b.list(ctx, dirPrefix(k))
	if err != nil {
		return err
	}
	for _, obj := range keys {
		if obj != dirPrefix(k) {
			return mountfs.ENOTEMPTY
		}
	}
	return b.del(ctx, dirPrefix(k))
}

// ReadDir lists one level using the "/" delimiter
func (b *Backend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	d, err := entryOf(dir)
	if err != nil {
		return nil, err
	}
	prefix := dirPrefix(b.objectKey(d))
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var out []mountfs.DirEntry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, cp := range page.CommonPrefixes {
			name := path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			out = append(out, mountfs.DirEntry{Name: name, Kind: mountfs.KindDir})
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue
			}
			out = append(out, mountfs.DirEntry{Name: strings.TrimPrefix(k, prefix), Kind: mountfs.KindFile})
		}
	}
	slices.SortFunc(out, func(x, y mountfs.DirEntry) int { return strings.Compare(x.Name, y.Name) })
	return out, nil
}

func (b *Backend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	e, err := entryOf(key)
	if err != nil {
		return mountfs.Attr{}, err
	}
	if e == b.top {
		return dirAttr(), nil
	}
	return b.statKey(ctx, b.objectKey(e))
}

// Reclaim is a no-op: open handles keep their own copy of the content
func (b *Backend) Reclaim(ctx context.Context, key mountfs.Key) error {
	return nil
}

// handle buffers one object
type handle struct {
	b     *Backend
	e     *entry
	mu    sync.Mutex
	data  []byte
	dirty bool
}

func (h *handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return 0, nil
	}
	return copy(p, h.data[off:]), nil
}

func (h *handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(h.data)) {
		h.data = resize(h.data, end)
	}
	copy(h.data[off:], p)
	h.dirty = true
	return len(p), nil
}

// Sync uploads the buffer when it was modified
func (h *handle) Sync(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty || h.b.unlinked(h.e) {
		return nil
	}
	if err := h.b.put(ctx, h.b.objectKey(h.e), h.data); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	return h.Sync(ctx)
}

var (
	_ mountfs.Backend = (*Backend)(nil)
	_ mountfs.Syncer  = (*handle)(nil)
	_ API             = (*s3.Client)(nil)
)
