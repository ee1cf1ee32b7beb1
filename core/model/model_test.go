package model

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

func TestStateManager(t *testing.T) {
	s := NewStateManager()
	assert.False(t, s.IsFitted())

	err := s.RequireFitted("GBTreeClassifier", "Predict")
	require.Error(t, err)
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	s.SetDimensions(19, 5634)
	s.SetFitted()
	assert.True(t, s.IsFitted())
	assert.NoError(t, s.RequireFitted("GBTreeClassifier", "Predict"))

	nFeatures, nSamples := s.GetDimensions()
	assert.Equal(t, 19, nFeatures)
	assert.Equal(t, 5634, nSamples)

	state := s.GetState()
	s.Reset()
	assert.False(t, s.IsFitted())
	s.SetState(state)
	assert.True(t, s.IsFitted())
}

func TestModelHeaderValidate(t *testing.T) {
	h := &ModelHeader{ModelType: "GBTreeClassifier", Version: FormatVersion, IsFitted: true}
	assert.NoError(t, h.Validate("GBTreeClassifier"))
	assert.Error(t, h.Validate("Other"))

	unfitted := h.Clone()
	unfitted.IsFitted = false
	assert.Error(t, unfitted.Validate(""))

	future := h.Clone()
	future.Version = "99"
	assert.Error(t, future.Validate(""))
}

func TestModelHeaderClone(t *testing.T) {
	h := &ModelHeader{
		ModelType:       "GBTreeClassifier",
		Version:         FormatVersion,
		Features:        []string{"gender", "tenure"},
		Hyperparameters: map[string]interface{}{"eta": 0.2},
	}
	c := h.Clone()
	c.Features[0] = "changed"
	c.Hyperparameters["eta"] = 0.5
	assert.Equal(t, "gender", h.Features[0])
	assert.Equal(t, 0.2, h.Hyperparameters["eta"])
}

func TestSaveLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.json")

	in := &ModelHeader{ModelType: "GBTreeClassifier", Version: FormatVersion, IsFitted: true, Features: []string{"a"}}
	require.NoError(t, SaveJSON(in, path))

	var out ModelHeader
	require.NoError(t, LoadJSON(&out, path))
	assert.Equal(t, in.Features, out.Features)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadJSONErrors(t *testing.T) {
	var out ModelHeader
	assert.Error(t, LoadJSON(&out, filepath.Join(t.TempDir(), "missing.json")))
	assert.Error(t, LoadJSONFromReader(&out, bytes.NewBufferString("not json")))
}
