package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileTaskLogger is an implementation of TaskLogger that logs to a file.
// A file is created per execution, formatted as newline-delimited JSON.
type FileTaskLogger struct {
	directory string
}

func NewFileTaskLogger(directory string) *FileTaskLogger {
	return &FileTaskLogger{directory: directory}
}

func (l *FileTaskLogger) executionTaskLogPath(executionID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (l *FileTaskLogger) GetTaskHistory(ctx context.Context, executionID string) ([]*TaskLogEntry, error) {
	filePath := l.executionTaskLogPath(executionID)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var entries []*TaskLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry TaskLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileTaskLogger) LogTask(ctx context.Context, entry *TaskLogEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.executionTaskLogPath(entry.ExecutionID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(string(encoded) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}
