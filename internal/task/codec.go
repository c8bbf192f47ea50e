package task

import (
	"encoding/json"

	"github.com/nshotdev/nshot/internal/errors"
)

// Marshal encodes a task manifest as indented JSON.
func Marshal(t *Task) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	return data, nil
}

// Unmarshal decodes a task manifest. Undecodable bytes and manifests with
// no task id report errors.ErrManifestCorrupted.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrapf(errors.ErrManifestCorrupted, "%v", err)
	}
	if t.ID == "" {
		return nil, errors.Wrapf(errors.ErrManifestCorrupted, "manifest has no task id")
	}
	return &t, nil
}
