package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/tidemark-io/tidemark/internal/ir"
)

// BlobStore keeps one JSON blob per deployment in an Azure Storage
// container. The blob's ETag backs the compare-and-set: every write is
// conditional on the ETag observed at read time, so a racing writer gets
// a StaleWriteError instead of silently clobbering newer records.
type BlobStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// BlobConfig configures the Azure Blob state store.
type BlobConfig struct {
	AccountURL string // e.g. https://mystorage.blob.core.windows.net
	Container  string
	Prefix     string
}

func NewBlobStore(cfg BlobConfig) (*BlobStore, error) {
	if cfg.AccountURL == "" {
		return nil, fmt.Errorf("blob store requires an account URL")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("blob store requires a container")
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire Azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &BlobStore{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (s *BlobStore) blobName(deployment string) string {
	if s.prefix == "" {
		return deployment + ".json"
	}
	return s.prefix + "/" + deployment + ".json"
}

func (s *BlobStore) lockName(deployment string) string {
	return s.blobName(deployment) + ".lock"
}

// load reads the deployment's record map together with the blob ETag
// guarding it. A missing blob is an empty map with a nil ETag.
func (s *BlobStore) load(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, *azcore.ETag, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(deployment), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return map[string]*ir.AppliedRecord{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read state blob for %s: %w", deployment, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state blob body: %w", err)
	}
	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt remote state: %w", err)
		}
	}

	records := map[string]*ir.AppliedRecord{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, nil, fmt.Errorf("state blob for %s is corrupt: %w", deployment, err)
		}
	}
	return records, resp.ETag, nil
}

// save writes the record map back, conditional on the ETag observed at
// load time. etag == nil means the blob must not exist yet.
func (s *BlobStore) save(ctx context.Context, deployment string, records map[string]*ir.AppliedRecord, etag *azcore.ETag) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	encrypted, err := EncryptState(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	conditions := &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{}}
	if etag != nil {
		conditions.ModifiedAccessConditions.IfMatch = etag
	} else {
		conditions.ModifiedAccessConditions.IfNoneMatch = to.Ptr(azcore.ETag("*"))
	}

	_, err = s.client.UploadBuffer(ctx, s.container, s.blobName(deployment), encrypted, &azblob.UploadBufferOptions{
		AccessConditions: conditions,
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
			return &StaleWriteError{Deployment: deployment, Node: "*"}
		}
		return fmt.Errorf("failed to write state blob for %s: %w", deployment, err)
	}
	return nil
}

func (s *BlobStore) Get(ctx context.Context, deployment, node string) (*ir.AppliedRecord, error) {
	records, _, err := s.load(ctx, deployment)
	if err != nil {
		return nil, err
	}
	rec, ok := records[node]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *BlobStore) Put(ctx context.Context, deployment, node string, rec *ir.AppliedRecord) error {
	records, etag, err := s.load(ctx, deployment)
	if err != nil {
		return err
	}
	if current, ok := records[node]; ok {
		if current.Version != rec.Version {
			return &StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: current.Version}
		}
	} else if rec.Version != 0 {
		return &StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: 0}
	}

	stored := *rec
	stored.Version = rec.Version + 1
	records[node] = &stored
	return s.save(ctx, deployment, records, etag)
}

func (s *BlobStore) Delete(ctx context.Context, deployment, node string) error {
	records, etag, err := s.load(ctx, deployment)
	if err != nil {
		return err
	}
	if _, ok := records[node]; !ok {
		return ErrNotFound
	}
	delete(records, node)
	return s.save(ctx, deployment, records, etag)
}

func (s *BlobStore) List(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error) {
	records, _, err := s.load(ctx, deployment)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Lock creates a lock blob alongside the state blob. The conditional
// create fails if another executor holds it.
func (s *BlobStore) Lock(deployment string) error {
	ctx := context.Background()
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.UploadBuffer(ctx, s.container, s.lockName(deployment), []byte(content), &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return fmt.Errorf("deployment %s is locked by another process (lock blob: %s). "+
				"If this is an error, delete the lock blob manually", deployment, s.lockName(deployment))
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Unlock deletes the lock blob.
func (s *BlobStore) Unlock(deployment string) error {
	_, err := s.client.DeleteBlob(context.Background(), s.container, s.lockName(deployment), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
