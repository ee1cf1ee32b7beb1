package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

// LocalConfig configures the badger-backed tracker.
type LocalConfig struct {
	// Path is the store directory (the mlruns root). The database lives in
	// Path/db and artifacts under Path/artifacts unless ArtifactRoot is set.
	Path string
	// InMemory keeps the database in memory. ArtifactRoot is required then.
	InMemory     bool
	ArtifactRoot string
	SyncWrites   bool
}

// DefaultLocalConfig returns the config for a persistent store at path.
func DefaultLocalConfig(path string) LocalConfig {
	return LocalConfig{Path: path, SyncWrites: true}
}

// Experiment is a stored experiment record.
type Experiment struct {
	ID               string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
	CreatedAt        int64  `json:"creation_time"`
}

// RunRecord is a stored run record.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Name         string    `json:"run_name"`
	Status       RunStatus `json:"status"`
	StartTime    int64     `json:"start_time"`
	EndTime      int64     `json:"end_time,omitempty"`
	ArtifactURI  string    `json:"artifact_uri"`
}

// MetricRecord is one logged metric value.
type MetricRecord struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LocalTracker stores runs in an embedded badger database.
//
// Key layout:
//
//	exp/name/<name>               -> experiment id
//	exp/id/<id>                   -> Experiment JSON
//	run/<run id>                  -> RunRecord JSON
//	run/<run id>/param/<key>      -> value
//	run/<run id>/tag/<key>        -> value
//	run/<run id>/metric/<key>/<step, zero padded> -> MetricRecord JSON
type LocalTracker struct {
	db           *badger.DB
	logger       log.Logger
	artifactRoot string
	experiment   *Experiment
	run          *RunRecord
	artifacts    *LocalArtifactStore
}

type badgerLogger struct {
	logger log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenLocal opens (or creates) a local tracking store.
func OpenLocal(cfg LocalConfig, logger log.Logger) (*LocalTracker, error) {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With(log.ComponentKey, "local-tracking")

	var opts badger.Options
	artifactRoot := cfg.ArtifactRoot
	if cfg.InMemory {
		if artifactRoot == "" {
			return nil, errors.NewValidationError("artifact_root", "required for in-memory store", "")
		}
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.NewValidationError("path", "required for persistent store", "")
		}
		dbPath := filepath.Join(cfg.Path, "db")
		if err := os.MkdirAll(dbPath, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create tracking store directory %s", dbPath)
		}
		opts = badger.DefaultOptions(dbPath)
		if artifactRoot == "" {
			artifactRoot = filepath.Join(cfg.Path, "artifacts")
		}
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger tracking store")
	}

	abs, err := filepath.Abs(artifactRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LocalTracker{db: db, logger: logger, artifactRoot: abs}, nil
}

func (t *LocalTracker) SetExperiment(_ context.Context, name string) error {
	var exp Experiment
	err := t.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, "exp/name/"+name)
		if err != nil {
			return err
		}
		return getJSON(txn, "exp/id/"+id, &exp)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(ErrResourceNotFound, "experiment %q", name)
		}
		return errors.Wrapf(err, "look up experiment %q", name)
	}
	t.experiment = &exp
	t.logger.Debug("Experiment selected", log.ExperimentKey, name, "experiment_id", exp.ID)
	return nil
}

func (t *LocalTracker) CreateExperiment(_ context.Context, name string) (string, error) {
	exp := Experiment{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: nowMillis(),
	}
	exp.ArtifactLocation = filepath.Join(t.artifactRoot, exp.ID)

	err := t.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte("exp/name/" + name)); err == nil {
			return errors.Newf("experiment %q already exists", name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte("exp/name/"+name), []byte(exp.ID)); err != nil {
			return err
		}
		return setJSON(txn, "exp/id/"+exp.ID, exp)
	})
	if err != nil {
		return "", errors.Wrapf(err, "create experiment %q", name)
	}
	t.logger.Info("Experiment created", log.ExperimentKey, name, "experiment_id", exp.ID)
	return exp.ID, nil
}

func (t *LocalTracker) StartRun(_ context.Context, runName string) (string, error) {
	if t.experiment == nil {
		return "", errors.NewValueError("StartRun", "no experiment selected")
	}
	if t.run != nil {
		return "", errors.NewValueError("StartRun", "run "+t.run.RunID+" is still active")
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	run := &RunRecord{
		RunID:        id,
		ExperimentID: t.experiment.ID,
		Name:         runName,
		Status:       "RUNNING",
		StartTime:    nowMillis(),
		ArtifactURI:  filepath.Join(t.experiment.ArtifactLocation, id, "artifacts"),
	}
	if err := t.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, "run/"+id, run)
	}); err != nil {
		return "", errors.Wrap(err, "create run")
	}

	t.run = run
	t.artifacts = &LocalArtifactStore{Root: run.ArtifactURI}
	t.logger.Info("Run started", log.RunIDKey, id, "artifact_uri", run.ArtifactURI)
	return id, nil
}

func (t *LocalTracker) LogParam(_ context.Context, key, value string) error {
	return t.put("LogParam", "param/"+key, []byte(value))
}

func (t *LocalTracker) SetTag(_ context.Context, key, value string) error {
	return t.put("SetTag", "tag/"+key, []byte(value))
}

func (t *LocalTracker) LogMetric(_ context.Context, key string, value float64, step int64) error {
	data, err := json.Marshal(MetricRecord{Value: value, Timestamp: nowMillis(), Step: step})
	if err != nil {
		return err
	}
	return t.put("LogMetric", fmt.Sprintf("metric/%s/%020d", key, step), data)
}

func (t *LocalTracker) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if t.run == nil {
		return errors.NewValueError("LogArtifact", "no active run")
	}
	uri, err := t.artifacts.Put(ctx, localPath, artifactPath)
	if err != nil {
		return err
	}
	t.logger.Debug("Artifact logged", log.PathKey, localPath, "artifact_uri", uri)
	return nil
}

func (t *LocalTracker) EndRun(_ context.Context, status RunStatus) error {
	if t.run == nil {
		return errors.NewValueError("EndRun", "no active run")
	}
	t.run.Status = status
	t.run.EndTime = nowMillis()
	err := t.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, "run/"+t.run.RunID, t.run)
	})
	t.run = nil
	t.artifacts = nil
	return errors.Wrap(err, "end run")
}

func (t *LocalTracker) RunID() string {
	if t.run == nil {
		return ""
	}
	return t.run.RunID
}

func (t *LocalTracker) ArtifactURI() string {
	if t.run == nil {
		return ""
	}
	return t.run.ArtifactURI
}

func (t *LocalTracker) Close() error {
	return t.db.Close()
}

// Run returns the stored record of runID.
func (t *LocalTracker) Run(runID string) (*RunRecord, error) {
	var run RunRecord
	err := t.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "run/"+runID, &run)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrResourceNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Params returns the parameters logged for runID.
func (t *LocalTracker) Params(runID string) (map[string]string, error) {
	return t.scanStrings(runID, "param/")
}

// Tags returns the tags set on runID.
func (t *LocalTracker) Tags(runID string) (map[string]string, error) {
	return t.scanStrings(runID, "tag/")
}

// Metrics returns the metric history of runID ordered by step.
func (t *LocalTracker) Metrics(runID string) (map[string][]MetricRecord, error) {
	out := make(map[string][]MetricRecord)
	prefix := []byte("run/" + runID + "/metric/")
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rest := strings.TrimPrefix(string(item.Key()), string(prefix))
			key := rest[:strings.LastIndex(rest, "/")]
			var rec MetricRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			out[key] = append(out[key], rec)
		}
		return nil
	})
	return out, err
}

func (t *LocalTracker) scanStrings(runID, kind string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := []byte("run/" + runID + "/" + kind)
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[strings.TrimPrefix(string(item.Key()), string(prefix))] = string(v)
		}
		return nil
	})
	return out, err
}

func (t *LocalTracker) put(op, suffix string, value []byte) error {
	if t.run == nil {
		return errors.NewValueError(op, "no active run")
	}
	key := []byte("run/" + t.run.RunID + "/" + suffix)
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error { return json.Unmarshal(data, v) })
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}
