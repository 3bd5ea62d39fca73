package models

import (
	"fmt"
	"path/filepath"
)

// PartSuffix marks a download that has not been published yet.
const PartSuffix = ".part"

// OutputFileName is the archive name for a task.
func OutputFileName(taskID int64) string {
	return fmt.Sprintf("task_%d.zip", taskID)
}

// OutputPath joins dir and the archive name for a task.
func OutputPath(dir string, taskID int64) string {
	return filepath.Join(dir, OutputFileName(taskID))
}

// PartPath is the staging path a download is written to before the rename.
func PartPath(dest string) string {
	return dest + PartSuffix
}
