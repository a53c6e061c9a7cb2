// gcp.go -- Google Secret Manager backed Store.
package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPStore reads the latest version of secrets in one GCP project.
type GCPStore struct {
	client    *secretmanager.Client
	projectID string
}

// NewGCPStore dials Secret Manager using application default credentials.
// Call once at startup; Close on shutdown.
func NewGCPStore(ctx context.Context, projectID string) (*GCPStore, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating secret manager client: %w", err)
	}
	return &GCPStore{client: client, projectID: projectID}, nil
}

// Close releases the underlying gRPC connection.
func (s *GCPStore) Close() error {
	return s.client.Close()
}

// Access returns the payload of projects/<project>/secrets/<name>/versions/latest.
// NotFound and PermissionDenied map to ErrNotFound so the caller tries the env next.
func (s *GCPStore) Access(ctx context.Context, name string) (string, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name),
	})
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound, codes.PermissionDenied:
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("accessing secret %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}
