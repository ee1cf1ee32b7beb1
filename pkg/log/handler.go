package log

import (
	"context"
	"log/slog"
	"maps"

	crdb "github.com/cockroachdb/errors"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// cloudLabelsKey is the entry Cloud Logging indexes as user labels.
const cloudLabelsKey = "logging.googleapis.com/labels"

// labelKeys are the attributes copied into the Cloud Logging labels so that
// entries can be filtered by stage and tracking run.
var labelKeys = map[string]bool{
	StageKey:      true,
	RunIDKey:      true,
	ExperimentKey: true,
}

// cloudHandler wraps the slog JSON handler of the cloud format. It adds the
// cockroachdb/errors stack trace of the first error attribute and copies the
// stage and run attributes into Cloud Logging labels. A StageError fills the
// stage label when the logger carries none.
type cloudHandler struct {
	handler slog.Handler
	labels  map[string]string
}

func newCloudHandler(handler slog.Handler) *cloudHandler {
	return &cloudHandler{handler: handler}
}

func (h *cloudHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h *cloudHandler) Handle(ctx context.Context, r slog.Record) error {
	labels := maps.Clone(h.labels)
	if labels == nil {
		labels = make(map[string]string)
	}

	var stacktrace string
	var stageErr *errors.StageError
	r.Attrs(func(attr slog.Attr) bool {
		addLabel(labels, attr)
		if err, ok := attr.Value.Any().(error); ok && stacktrace == "" {
			stacktrace = Stacktrace(err)
			if stageErr == nil {
				errors.As(err, &stageErr)
			}
		}
		return true
	})

	if stacktrace != "" {
		r.AddAttrs(slog.String(StacktraceAttrKey, stacktrace))
	}
	if _, ok := labels[StageKey]; !ok && stageErr != nil {
		labels[StageKey] = stageErr.Stage
	}
	if len(labels) > 0 {
		r.AddAttrs(slog.Any(cloudLabelsKey, labels))
	}
	return h.handler.Handle(ctx, r)
}

func (h *cloudHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	labels := maps.Clone(h.labels)
	for _, attr := range attrs {
		if labelKeys[attr.Key] {
			if labels == nil {
				labels = make(map[string]string)
			}
			addLabel(labels, attr)
		}
	}
	return &cloudHandler{handler: h.handler.WithAttrs(attrs), labels: labels}
}

func (h *cloudHandler) WithGroup(g string) slog.Handler {
	return &cloudHandler{handler: h.handler.WithGroup(g), labels: h.labels}
}

func addLabel(labels map[string]string, attr slog.Attr) {
	if labelKeys[attr.Key] {
		labels[attr.Key] = attr.Value.String()
	}
}

// Stacktrace returns the first stack trace recorded by cockroachdb/errors in err.
func Stacktrace(err error) string {
	safeDetails := crdb.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}
