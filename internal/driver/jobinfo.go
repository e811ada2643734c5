package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JobInfo is the metadata record written into a realization's run path.
type JobInfo struct {
	JobID string `json:"job_id"`
}

// JobInfoPath returns where backend writes its metadata under runPath.
func JobInfoPath(runPath, backend string) string {
	return filepath.Join(runPath, backend+"_info.json")
}

// WriteJobInfo atomically writes {"job_id": ...} to <runPath>/<backend>_info.json.
// Nothing is written when runPath is empty.
func WriteJobInfo(runPath, backend, jobID string) error {
	if runPath == "" {
		return nil
	}
	if err := os.MkdirAll(runPath, 0o755); err != nil {
		return fmt.Errorf("create run path: %w", err)
	}

	b, err := json.Marshal(JobInfo{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal job info: %w", err)
	}

	tmp, err := os.CreateTemp(runPath, backend+"_info.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write job info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close job info: %w", err)
	}
	if err := os.Rename(tmpName, JobInfoPath(runPath, backend)); err != nil {
		return fmt.Errorf("rename job info: %w", err)
	}
	return nil
}
