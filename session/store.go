// Package session provides durable storage for task state: the model-facing
// conversation log, the activity log and task metadata, saved at turn
// boundaries and reloaded for resume.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"spindle/conversation"
	"spindle/llm"
)

// TaskMeta is the persisted task header
type TaskMeta struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"`
	RootID       string    `json:"root_id,omitempty"`
	State        string    `json:"state"`
	Mode         string    `json:"mode"`
	MistakeCount int       `json:"mistake_count"`
	Usage        llm.Usage `json:"usage"`
	CreatedAt    time.Time `json:"created_at"`
	LastSaved    time.Time `json:"last_saved"`
}

// Persistence is the adapter contract the orchestrator consumes
type Persistence interface {
	Save(meta TaskMeta, entries []conversation.Entry, activity []conversation.Activity) error
	Load(taskID string) (TaskMeta, []conversation.Entry, []conversation.Activity, error)
	List() ([]TaskMeta, error)
}

const (
	metaFile         = "task.json"
	conversationFile = "conversation.json"
	activityFile     = "activity.json"
)

// FileStore persists each task as a directory of JSON files under
// <workspace>/.spindle/tasks/<taskID>/
type FileStore struct {
	root string
}

// NewFileStore creates the store, ensuring the root directory exists
func NewFileStore(workspacePath string) (*FileStore, error) {
	root := filepath.Join(workspacePath, ".spindle", "tasks")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Save implements Persistence.Save
func (s *FileStore) Save(meta TaskMeta, entries []conversation.Entry, activity []conversation.Activity) error {
	if meta.ID == "" {
		return fmt.Errorf("task ID is required")
	}

	dir := filepath.Join(s.root, meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	meta.LastSaved = time.Now()
	if err := writeJSON(filepath.Join(dir, metaFile), meta); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, conversationFile), entries); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, activityFile), activity)
}

// Load implements Persistence.Load
func (s *FileStore) Load(taskID string) (TaskMeta, []conversation.Entry, []conversation.Activity, error) {
	dir := filepath.Join(s.root, taskID)

	var meta TaskMeta
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		return TaskMeta{}, nil, nil, fmt.Errorf("task not found: %s: %w", taskID, err)
	}

	var entries []conversation.Entry
	if err := readJSON(filepath.Join(dir, conversationFile), &entries); err != nil {
		return TaskMeta{}, nil, nil, fmt.Errorf("failed to load conversation log: %w", err)
	}

	var activity []conversation.Activity
	if err := readJSON(filepath.Join(dir, activityFile), &activity); err != nil {
		return TaskMeta{}, nil, nil, fmt.Errorf("failed to load activity log: %w", err)
	}

	return meta, entries, activity, nil
}

// List implements Persistence.List, most recently saved first
func (s *FileStore) List() ([]TaskMeta, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read task directory: %w", err)
	}

	var metas []TaskMeta
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		var meta TaskMeta
		if err := readJSON(filepath.Join(s.root, d.Name(), metaFile), &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastSaved.After(metas[j].LastSaved)
	})
	return metas, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
