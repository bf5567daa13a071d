// Package storage provides object storage abstractions for the archive
// tiers: S3 for production, the local filesystem for development and tests.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the cold-storage container holding archive blobs.
// The archive writer treats it as a capability: put/get/list/delete a named
// blob in a container.
type ObjectStorage interface {
	// EnsureContainer creates the container when it does not yet exist.
	// Safe to call repeatedly; implementations create at most once.
	EnsureContainer(ctx context.Context) error

	// Upload uploads a local file to object storage under objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download fetches an object into localPath.
	// Returns ErrObjectNotFound when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
