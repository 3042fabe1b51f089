package usecase

import (
	"log/slog"

	"github.com/lumapix/restoration-service/internal/domain"
)

// UploadService issues signed PUT targets for client-side uploads.
type UploadService struct {
	Blobs domain.BlobStore
}

// NewUploadService wires the upload-target flow.
func NewUploadService(blobs domain.BlobStore) *UploadService {
	return &UploadService{Blobs: blobs}
}

// IssueTarget mints an owner-scoped signed upload URL for the content type.
// The blob store rejects anything outside the image allowlist.
func (s *UploadService) IssueTarget(ctx domain.Context, userID, contentType string) (domain.UploadTarget, error) {
	target, err := s.Blobs.IssueUploadURL(ctx, userID, contentType)
	if err != nil {
		return domain.UploadTarget{}, err
	}
	slog.Debug("upload target issued",
		slog.String("user_id", userID),
		slog.String("object", target.ObjectName),
		slog.String("content_type", contentType))
	return target, nil
}
