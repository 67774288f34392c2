package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Fetcher downloads b2://bucket/object URLs from Backblaze B2.
type B2Fetcher struct {
	AccountID      string
	ApplicationKey string
}

func (b *B2Fetcher) Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error {
	bucketName, object, err := splitObjectURL(u)
	if err != nil {
		return err
	}
	if b.AccountID == "" || b.ApplicationKey == "" {
		return errors.New("b2_account_id and b2_application_key are required")
	}

	client, err := b2.NewClient(ctx, b.AccountID, b.ApplicationKey)
	if err != nil {
		return fmt.Errorf("authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("open b2 bucket: %w", err)
	}
	obj := bucket.Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return fmt.Errorf("stat b2 object: %w", err)
	}
	if err := p.Start(attrs.Size); err != nil {
		return err
	}

	r := obj.NewReader(ctx)
	defer r.Close()
	if _, err := io.Copy(p.Writer(f), r); err != nil {
		return fmt.Errorf("read b2 object: %w", err)
	}
	return nil
}
