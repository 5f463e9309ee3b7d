// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"bufio"
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
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
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1+len(userName):]), nil
}

// WriteFileAtomic writes the file at filePath with the contents generated by write.
//
// The contents are written to a temporary file in the same directory, synced and closed, and only
// then renamed to filePath. On any failure the temporary file is removed and filePath is left
// untouched: either it doesn't exist, or it has its previous contents.
func WriteFileAtomic(filePath string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	dir, base := filepath.Split(filePath)
	if dir == "" {
		dir = "."
	}
	tmpFile, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := tmpFile.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = tmpFile.Close()
		}
		_ = os.Remove(tmpPath)
	}()

	buf := bufio.NewWriter(tmpFile)
	if err = write(buf); err != nil {
		return errors.WithMessagef(err, "while writing %q", filePath)
	}
	if err = buf.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = tmpFile.Chmod(perm); err != nil {
		return errors.Wrapf(err, "failed to chmod %q", tmpPath)
	}
	if err = tmpFile.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	closed = true
	if err = tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	return nil
}
