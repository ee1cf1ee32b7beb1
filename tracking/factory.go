package tracking

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

// DefaultLocalPath is the store used when MLFLOW_TRACKING_URI is unset.
const DefaultLocalPath = "mlruns"

// Options selects and configures a tracking backend.
type Options struct {
	// TrackingURI follows MLFLOW_TRACKING_URI: http(s) URLs select the REST
	// client, file: URIs and plain paths select the local store.
	TrackingURI        string
	Token              string
	GCSCredentialsFile string
	HTTPClient         *http.Client
}

// Open returns the tracker selected by opts.TrackingURI.
// An empty URI logs a warning and opens the local store at DefaultLocalPath.
func Open(opts Options, logger log.Logger) (Tracker, error) {
	if logger == nil {
		logger = log.Nop()
	}
	uri := strings.TrimSpace(opts.TrackingURI)

	switch {
	case uri == "":
		logger.Warn("MLFLOW_TRACKING_URI is not set, tracking to the local store",
			log.PathKey, DefaultLocalPath)
		return openLocal(DefaultLocalConfig(DefaultLocalPath), logger)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		t, err := NewMLflowTracker(MLflowOptions{
			TrackingURI:        uri,
			Token:              opts.Token,
			GCSCredentialsFile: opts.GCSCredentialsFile,
			HTTPClient:         opts.HTTPClient,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case strings.HasPrefix(uri, "file:"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, errors.Wrapf(err, "parse tracking uri %s", uri)
		}
		return openLocal(DefaultLocalConfig(fileURIPath(u)), logger)
	case strings.Contains(uri, "://"):
		return nil, errors.NewValidationError("tracking_uri", "unsupported scheme", uri)
	default:
		return openLocal(DefaultLocalConfig(uri), logger)
	}
}

func openLocal(cfg LocalConfig, logger log.Logger) (Tracker, error) {
	t, err := OpenLocal(cfg, logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SetupExperiment selects the named experiment on t, creating it once when
// selection fails. When both fail, t is closed and a no-op tracker is
// returned so the stage runs without tracking.
func SetupExperiment(ctx context.Context, t Tracker, name string, logger log.Logger) Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With(log.ExperimentKey, name)

	err := t.SetExperiment(ctx, name)
	if err == nil {
		return t
	}
	logger.Warn("Could not set experiment, creating it", log.ErrAttrKey, err)

	if _, err = t.CreateExperiment(ctx, name); err == nil {
		if err = t.SetExperiment(ctx, name); err == nil {
			return t
		}
	}
	logger.Error("Could not create experiment, tracking disabled", log.ErrAttrKey, err)
	if cerr := t.Close(); cerr != nil {
		logger.Warn("Closing tracker failed", log.ErrAttrKey, cerr)
	}
	return Noop()
}

// fileURIPath returns the local path of a file: URI. Relative forms such as
// "file:./mlruns" keep the path in Opaque, and "file://mlruns" in Host.
func fileURIPath(u *url.URL) string {
	switch {
	case u.Opaque != "":
		return u.Opaque
	case u.Host != "" && u.Host != "localhost":
		return u.Host + u.Path
	default:
		return u.Path
	}
}
