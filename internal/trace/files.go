package trace

import (
	"context"
	"fmt"

	"github.com/golang/snappy"

	"traceserver/internal/digest"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

// FileCreate stores content under its digest. Content is kept snappy
// compressed; the digest is over the uncompressed bytes.
func (s *Server) FileCreate(ctx context.Context, req FileCreateReq) (*FileCreateRes, error) {
	return run(ctx, "file_create", req.ProjectID, func(ctx context.Context) (*FileCreateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if req.Name == "" {
			return nil, traceerr.Validationf("name is required")
		}
		f := store.File{
			ProjectID: req.ProjectID,
			Digest:    digest.Bytes(req.Content),
			Name:      req.Name,
			Content:   snappy.Encode(nil, req.Content),
			CreatedAt: s.now(),
		}
		err := s.retry(ctx, "file_create", func() error {
			return s.store.PutFile(ctx, f)
		})
		if err != nil {
			return nil, fmt.Errorf("storing file %s: %w", req.Name, err)
		}
		return &FileCreateRes{Digest: f.Digest}, nil
	})
}

func (s *Server) FileContentRead(ctx context.Context, req FileContentReadReq) (*FileContentReadRes, error) {
	return run(ctx, "file_content_read", req.ProjectID, func(ctx context.Context) (*FileContentReadRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		var f *store.File
		err := s.retry(ctx, "file_content_read", func() error {
			var err error
			f, err = s.store.GetFile(ctx, req.ProjectID, req.Digest)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", req.Digest, err)
		}
		content, err := snappy.Decode(nil, f.Content)
		if err != nil {
			return nil, fmt.Errorf("decompressing file %s: %w", req.Digest, err)
		}
		return &FileContentReadRes{Name: f.Name, Content: content}, nil
	})
}
