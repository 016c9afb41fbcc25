package workspace

import (
	"os"
	"path/filepath"
)

// DetectWorkspace detects the workspace root directory.
// It tries to find the Git repository root, otherwise uses the current directory
func DetectWorkspace() (string, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	gitRoot := findGitRoot(pwd)
	if gitRoot != "" {
		return gitRoot, nil
	}

	return pwd, nil
}

// findGitRoot walks up the directory tree looking for a .git directory
func findGitRoot(startPath string) string {
	currentPath := startPath

	for {
		gitPath := filepath.Join(currentPath, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			return currentPath
		}

		parentPath := filepath.Dir(currentPath)
		if parentPath == currentPath {
			// Reached the root directory
			break
		}
		currentPath = parentPath
	}

	return ""
}

// EnsureStateDir creates the .spindle directory if it doesn't exist
func EnsureStateDir(workspacePath string) error {
	stateDir := filepath.Join(workspacePath, ".spindle")

	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}

	return nil
}
