/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/cloudnative-pg/pgarchive/internal/config"
	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

type azureBucket struct {
	client *container.Client
}

func newAzureBucket(_ context.Context, creds config.Azure, bucketName string) (Bucket, error) {
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", creds.AccountName)

	var client *container.Client
	var err error
	switch {
	case creds.AccessKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(creds.AccountName, creds.AccessKey)
		if err != nil {
			return nil, pgerror.Fatal("blob.newAzureBucket", err)
		}
		var svc *azblob.Client
		svc, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err == nil {
			client = svc.ServiceClient().NewContainerClient(bucketName)
		}
	case creds.SASToken != "":
		svcURL := serviceURL + "?" + creds.SASToken
		var svc *azblob.Client
		svc, err = azblob.NewClientWithNoCredential(svcURL, nil)
		if err == nil {
			client = svc.ServiceClient().NewContainerClient(bucketName)
		}
	default:
		return nil, pgerror.Fatal("blob.newAzureBucket", fmt.Errorf("no Azure credential configured"))
	}
	if err != nil {
		return nil, pgerror.Fatal("blob.newAzureBucket", err)
	}

	return &azureBucket{client: client}, nil
}

func (b *azureBucket) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	return retryPolicy(ctx, "azure.Put", func() error {
		blockBlob := b.client.NewBlockBlobClient(key)
		_, err := blockBlob.UploadStream(ctx, body, nil)
		return classifyAzureError("azure.Put", err)
	})
}

func (b *azureBucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retryPolicy(ctx, "azure.Get", func() error {
		blobClient := b.client.NewBlobClient(key)
		resp, err := blobClient.DownloadStream(ctx, nil)
		if err := classifyAzureError("azure.Get", err); err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (b *azureBucket) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		var page container.ListBlobsFlatResponse
		if err := retryPolicy(ctx, "azure.List", func() error {
			var err error
			page, err = pager.NextPage(ctx)
			return classifyAzureError("azure.List", err)
		}); err != nil {
			return err
		}
		for _, item := range page.Segment.BlobItems {
			info := ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *azureBucket) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		key := key
		if err := retryPolicy(ctx, "azure.Delete", func() error {
			blobClient := b.client.NewBlobClient(key)
			_, err := blobClient.Delete(ctx, nil)
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				return nil
			}
			return classifyAzureError("azure.Delete", err)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *azureBucket) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retryPolicy(ctx, "azure.Exists", func() error {
		blobClient := b.client.NewBlobClient(key)
		_, err := blobClient.GetProperties(ctx, nil)
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			exists = false
			return nil
		}
		if classified := classifyAzureError("azure.Exists", err); classified != nil {
			return classified
		}
		exists = true
		return nil
	})
	return exists, err
}

// classifyAzureError maps azblob errors into the pgerror.Kind taxonomy.
func classifyAzureError(op string, err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return pgerror.NotFound(op, err)
	}
	if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions) {
		return pgerror.Fatal(op, err)
	}
	if bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError) {
		return pgerror.Transient(op, err)
	}
	var respErr interface{ StatusCode() int }
	if errors.As(err, &respErr) && respErr.StatusCode() >= 500 {
		return pgerror.Transient(op, err)
	}
	return pgerror.Transient(op, err)
}
