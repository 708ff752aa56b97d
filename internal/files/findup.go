package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrNotFound is returned when no candidate location holds the requested binary.
var ErrNotFound = errors.New("binary not found")

// FindUp walks from dir towards the filesystem root and returns the first path named name.
// It returns an empty string if nothing matches.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err == nil {
			for _, e := range entries {
				if name == e.Name() {
					return filepath.Join(curDir, name)
				}
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}

// ResolveBinary locates an executable.
// An explicit path wins. Otherwise it looks in bin/ next to the running executable,
// next to the executable itself, and finally walks up from the working directory.
func ResolveBinary(explicit, name string) (string, error) {
	if explicit != "" {
		if !IsExecutable(explicit) {
			return "", fmt.Errorf("%w: %s is not an executable file", ErrNotFound, explicit)
		}
		return filepath.Abs(explicit)
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "bin", name),
			filepath.Join(exeDir, name),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		if p := FindUp(name, wd); p != "" {
			candidates = append(candidates, p)
		}
	}

	for _, c := range candidates {
		if IsExecutable(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// IsExecutable reports whether path is a regular file the current user could execute.
// Windows has no exec bit, so any regular file qualifies there.
func IsExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !fi.Mode().IsRegular() {
		return false
	}
	return runtime.GOOS == "windows" || fi.Mode().Perm()&0o111 != 0
}
