package connectors

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureConnector struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBlobConnector reads azblob://container/blob URLs.
func NewAzureBlobConnector(ctx context.Context) (Connector, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	if account == "" || key == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY required for azure connector")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureConnector{
		client:    client,
		container: os.Getenv("AZURE_BLOB_CONTAINER"),
		prefix:    os.Getenv("AZURE_BLOB_PREFIX"),
	}, nil
}

func (a *azureConnector) Name() string {
	return "azure"
}

func (a *azureConnector) Schemes() []string {
	return []string{"azblob", "azure"}
}

func (a *azureConnector) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	container, blobName, err := a.locate(u)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, fmt.Errorf("download blob %s/%s: %w", container, blobName, err)
	}
	defer resp.Body.Close()
	return readLimited(resp.Body)
}

func (a *azureConnector) locate(u *url.URL) (container, blobName string, err error) {
	container = u.Host
	if container == "" {
		container = a.container
	}
	if container == "" {
		return "", "", fmt.Errorf("azure url %q has no container and AZURE_BLOB_CONTAINER is unset", u.String())
	}
	blobName = strings.TrimPrefix(u.Path, "/")
	if blobName == "" {
		return "", "", fmt.Errorf("azure url %q has no blob name", u.String())
	}
	if a.prefix != "" {
		blobName = path.Join(a.prefix, blobName)
	}
	return container, blobName, nil
}
