package download

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/mtls"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

var log = logging.L("download")

// ErrUnsupportedScheme is returned for URLs no fetcher is registered for.
var ErrUnsupportedScheme = errors.New("unsupported artifact URL scheme")

// Fetcher retrieves the object named by u into f. Implementations call
// p.Start once the object size is known and write through p.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error
}

// Options configure the storage back ends of a Manager.
type Options struct {
	UserAgent string
	// TLSConfig, when set, is used for http and https artifact URLs.
	TLSConfig *tls.Config

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	GCSCredentialsFile string

	AzureConnectionString string

	B2AccountID      string
	B2ApplicationKey string

	// SkipSpaceCheck disables the free-space preflight.
	SkipSpaceCheck bool
}

// Manager implements update.Downloader by dispatching on the URL scheme.
type Manager struct {
	opts     Options
	mu       sync.Mutex
	fetchers map[string]Fetcher
	closers  []io.Closer
}

// NewManager registers the HTTP(S) and object-storage fetchers.
func NewManager(opts Options) *Manager {
	m := &Manager{opts: opts, fetchers: make(map[string]Fetcher)}
	httpFetcher := NewHTTPFetcher(mtls.HTTPClient(opts.TLSConfig, httpTimeout), opts.UserAgent)
	m.Register("http", httpFetcher)
	m.Register("https", httpFetcher)
	m.Register("s3", &S3Fetcher{
		Region:          opts.S3Region,
		Endpoint:        opts.S3Endpoint,
		AccessKeyID:     opts.S3AccessKeyID,
		SecretAccessKey: opts.S3SecretAccessKey,
	})
	gcs := &GCSFetcher{CredentialsFile: opts.GCSCredentialsFile}
	m.Register("gs", gcs)
	m.closers = append(m.closers, gcs)
	m.Register("az", &AzureFetcher{ConnectionString: opts.AzureConnectionString})
	m.Register("b2", &B2Fetcher{AccountID: opts.B2AccountID, ApplicationKey: opts.B2ApplicationKey})
	return m
}

// Register installs f for scheme, replacing any previous fetcher.
func (m *Manager) Register(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[strings.ToLower(scheme)] = f
}

// Download writes the artifact at rawURL to dest. A failed or cancelled
// download never leaves a partial file behind.
func (m *Manager) Download(ctx context.Context, rawURL, dest string, progress update.ProgressFunc) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse artifact URL: %w", err)
	}
	m.mu.Lock()
	fetcher, ok := m.fetchers[strings.ToLower(u.Scheme)]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	dir := filepath.Dir(dest)
	if err := checkWritable(dir); err != nil {
		return fmt.Errorf("work directory not writable: %w", err)
	}

	// written under a temporary name and renamed into place, so dest only
	// ever holds a complete artifact
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmp := f.Name()

	p := &Progress{report: progress, dir: dir}
	if !m.opts.SkipSpaceCheck {
		p.check = checkFreeSpace
	}

	fetchErr := fetcher.Fetch(ctx, u, f, p)
	if fetchErr == nil {
		fetchErr = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && fetchErr == nil {
		fetchErr = closeErr
	}
	if fetchErr == nil {
		if err := os.Rename(tmp, dest); err != nil {
			fetchErr = fmt.Errorf("move download into place: %w", err)
		}
	}
	if fetchErr != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("failed to remove partial download", "path", tmp, logging.KeyError, rmErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fetchErr
	}

	log.Info("download complete", logging.KeyURL, rawURL, "bytes", p.Written())
	return nil
}

// Close releases storage clients held by the fetchers.
func (m *Manager) Close() error {
	var result *multierror.Error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Progress converts written bytes to a percentage for the orchestrator.
type Progress struct {
	report update.ProgressFunc
	dir    string
	check  func(dir string, need uint64) error

	total   atomic.Int64
	written atomic.Int64
	last    atomic.Int64
}

// Start records the object size and runs the free-space preflight. A size
// <= 0 means unknown; progress is then only reported at completion.
func (p *Progress) Start(total int64) error {
	p.total.Store(total)
	if total > 0 && p.check != nil {
		if err := p.check(p.dir, uint64(total)); err != nil {
			return err
		}
	}
	return nil
}

// Add records n written bytes.
func (p *Progress) Add(n int64) {
	written := p.written.Add(n)
	total := p.total.Load()
	if total <= 0 {
		return
	}
	p.emit(min(written*100/total, 100))
}

// Written returns the number of bytes recorded so far.
func (p *Progress) Written() int64 { return p.written.Load() }

// Writer wraps w so every write is counted.
func (p *Progress) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, p: p}
}

// WriterAt wraps w for concurrent ranged writers such as the S3 manager.
func (p *Progress) WriterAt(w io.WriterAt) io.WriterAt {
	return &countingWriterAt{w: w, p: p}
}

func (p *Progress) emit(percent int64) {
	if p.report == nil {
		return
	}
	for {
		last := p.last.Load()
		if percent <= last {
			return
		}
		if p.last.CompareAndSwap(last, percent) {
			p.report(int(percent))
			return
		}
	}
}

type countingWriter struct {
	w io.Writer
	p *Progress
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.p.Add(int64(n))
	return n, err
}

type countingWriterAt struct {
	w io.WriterAt
	p *Progress
}

func (c *countingWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(b, off)
	c.p.Add(int64(n))
	return n, err
}

// splitObjectURL maps scheme://bucket/key to its bucket and key.
func splitObjectURL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%s URL must look like %s://bucket/object, got %q", u.Scheme, u.Scheme, u.Redacted())
	}
	return bucket, key, nil
}
