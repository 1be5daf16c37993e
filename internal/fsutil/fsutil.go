// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil holds small file system helpers shared by the checkpoints and reporting packages.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went wrong in the filesystem.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", filePath)
}

// ReplaceTildeInDir replaces a leading "~" or "~user" by the corresponding home directory.
// It returns dir unchanged if it doesn't start with "~".
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// MustReplaceTildeInDir is like ReplaceTildeInDir, but panics on error.
func MustReplaceTildeInDir(dir string) string {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		panic(err)
	}
	return dir
}

// PrepareDir expands "~" in dir and creates it (and its parents) with the given permissions, if it doesn't exist.
// If mustExist is set, a missing directory is an error instead.
func PrepareDir(dir string, perm os.FileMode, mustExist bool) (string, error) {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	exists, err := FileExists(dir)
	if err != nil {
		return "", err
	}
	if exists {
		info, err := os.Stat(dir)
		if err != nil {
			return "", errors.Wrapf(err, "failed to stat %q", dir)
		}
		if !info.IsDir() {
			return "", errors.Errorf("%q is not a directory", dir)
		}
		return dir, nil
	}
	if mustExist {
		return "", errors.Errorf("directory %q does not exist", dir)
	}
	if err = os.MkdirAll(dir, perm); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return dir, nil
}
