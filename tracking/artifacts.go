package tracking

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// ArtifactStore copies a local file under a run's artifact root.
type ArtifactStore interface {
	// Put uploads localPath to <root>/<artifactPath>/<base name> and returns
	// the resulting artifact URI.
	Put(ctx context.Context, localPath, artifactPath string) (string, error)
	Close() error
}

// ArtifactStoreFor returns the store serving artifactURI.
//
// Supported roots: gs://bucket/prefix, mlflow-artifacts:/... (through the
// tracking server's artifact proxy, requires rest), file:///dir and plain
// directory paths.
func ArtifactStoreFor(ctx context.Context, artifactURI string, rest *restClient, gcsCredentialsFile string) (ArtifactStore, error) {
	switch {
	case strings.HasPrefix(artifactURI, "gs://"):
		return NewGCSArtifactStore(ctx, artifactURI, gcsCredentialsFile)
	case strings.HasPrefix(artifactURI, "mlflow-artifacts:"):
		if rest == nil {
			return nil, errors.Wrapf(errors.ErrUnsupported, "artifact uri %s needs a tracking server", artifactURI)
		}
		return &proxyArtifactStore{rest: rest, root: artifactURI}, nil
	case strings.HasPrefix(artifactURI, "file:"):
		u, err := url.Parse(artifactURI)
		if err != nil {
			return nil, errors.Wrapf(err, "parse artifact uri %s", artifactURI)
		}
		return &LocalArtifactStore{Root: u.Path}, nil
	case strings.Contains(artifactURI, "://"):
		return nil, errors.Wrapf(errors.ErrUnsupported, "artifact uri %s", artifactURI)
	default:
		return &LocalArtifactStore{Root: artifactURI}, nil
	}
}

// LocalArtifactStore copies artifacts into a directory tree.
type LocalArtifactStore struct {
	Root string
}

func (s *LocalArtifactStore) Put(_ context.Context, localPath, artifactPath string) (string, error) {
	dir := filepath.Join(s.Root, filepath.FromSlash(artifactPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create artifact directory %s", dir)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	target := filepath.Join(dir, filepath.Base(localPath))
	dst, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", errors.Wrapf(err, "copy %s to %s", localPath, target)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return target, nil
}

func (s *LocalArtifactStore) Close() error { return nil }

// GCSArtifactStore uploads artifacts to a Cloud Storage bucket.
type GCSArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArtifactStore opens a storage client for a gs://bucket/prefix root.
// Without credentialsFile the client uses Application Default Credentials.
func NewGCSArtifactStore(ctx context.Context, root, credentialsFile string) (*GCSArtifactStore, error) {
	bucket, prefix, err := parseGCSURI(root)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, errors.Wrapf(err, "service account key not found at %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS storage client")
	}
	return &GCSArtifactStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSArtifactStore) Put(ctx context.Context, localPath, artifactPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	object := path.Join(s.prefix, artifactPath, filepath.Base(localPath))
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", errors.Wrapf(err, "upload %s to gs://%s/%s", localPath, s.bucket, object)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "finalize gs://%s/%s", s.bucket, object)
	}
	return "gs://" + s.bucket + "/" + object, nil
}

func (s *GCSArtifactStore) Close() error { return s.client.Close() }

func parseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", errors.NewValueError("parseGCSURI", "not a gs:// uri: "+uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.NewValueError("parseGCSURI", "missing bucket in "+uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// proxyArtifactStore uploads through the tracking server's
// /api/2.0/mlflow-artifacts endpoint.
type proxyArtifactStore struct {
	rest *restClient
	root string
}

func (s *proxyArtifactStore) Put(ctx context.Context, localPath, artifactPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	rel := strings.TrimPrefix(strings.TrimPrefix(s.root, "mlflow-artifacts:"), "/")
	// mlflow-artifacts://host/path drops the host
	if u, err := url.Parse(s.root); err == nil && u.Host != "" {
		rel = strings.TrimPrefix(u.Path, "/")
	}
	object := path.Join(rel, artifactPath, filepath.Base(localPath))
	if err := s.rest.upload(ctx, object, f); err != nil {
		return "", err
	}
	return strings.TrimSuffix(s.root, "/") + "/" + path.Join(artifactPath, filepath.Base(localPath)), nil
}

func (s *proxyArtifactStore) Close() error { return nil }
