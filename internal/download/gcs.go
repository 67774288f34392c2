package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher downloads gs://bucket/object URLs. Without a credentials file it
// uses application default credentials.
type GCSFetcher struct {
	CredentialsFile string

	mu     sync.Mutex
	client *storage.Client
}

func (g *GCSFetcher) storageClient(ctx context.Context) (*storage.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	var opts []option.ClientOption
	if g.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *GCSFetcher) Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error {
	bucket, object, err := splitObjectURL(u)
	if err != nil {
		return err
	}
	client, err := g.storageClient(ctx)
	if err != nil {
		return err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open gcs object: %w", err)
	}
	defer r.Close()

	if err := p.Start(r.Attrs.Size); err != nil {
		return err
	}
	if _, err := io.Copy(p.Writer(f), r); err != nil {
		return fmt.Errorf("read gcs object: %w", err)
	}
	return nil
}

// Close releases the storage client.
func (g *GCSFetcher) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}
