package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureFetcher downloads az://container/blob URLs from the storage account
// named in ConnectionString.
type AzureFetcher struct {
	ConnectionString string
}

func (a *AzureFetcher) Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error {
	container, blob, err := splitObjectURL(u)
	if err != nil {
		return err
	}
	if a.ConnectionString == "" {
		return errors.New("azure_connection_string is not configured")
	}
	client, err := azblob.NewClientFromConnectionString(a.ConnectionString, nil)
	if err != nil {
		return fmt.Errorf("create azure blob client: %w", err)
	}

	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return fmt.Errorf("download azure blob: %w", err)
	}
	defer resp.Body.Close()

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	if err := p.Start(size); err != nil {
		return err
	}
	if _, err := io.Copy(p.Writer(f), resp.Body); err != nil {
		return fmt.Errorf("read azure blob: %w", err)
	}
	return nil
}
