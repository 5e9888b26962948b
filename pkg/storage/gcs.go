package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	bucket     *gcs.BucketHandle
	log        logs.Log
}

func NewStorageGCS(log logs.Log, bucketName string) (*StorageGCS, error) {
	ctx := context.Background()
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(bucketName)
	return &StorageGCS{
		bucketName: bucketName,
		bucket:     bucket,
		log:        log,
	}, nil
}

func (s *StorageGCS) WriteFile(name string) (io.WriteCloser, error) {
	ctx := context.Background()
	s.log.Infof("Writing gs://%v/%v", s.bucketName, name)
	w := s.bucket.Object(name).NewWriter(ctx)
	return w, nil
}

func (s *StorageGCS) ReadFile(name string) (*File, error) {
	ctx := context.Background()
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Name:       name,
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(name string) error {
	ctx := context.Background()
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).Delete(ctx)
}

func (s *StorageGCS) List(prefix string) ([]File, error) {
	ctx := context.Background()
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	files := []File{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		files = append(files, File{
			Name:       attrs.Name,
			ModifiedAt: attrs.Updated,
			Size:       attrs.Size,
		})
	}
	sortByName(files)
	return files, nil
}
