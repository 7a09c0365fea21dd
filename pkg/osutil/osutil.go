// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

// WriteFile writes data to a temp file in the same dir and renames it over filename,
// so readers never observe a partially written file.
func WriteFile(filename string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err == nil {
		err = os.Chmod(tmp, DefaultFilePerm)
	}
	if err == nil {
		err = os.Rename(tmp, filename)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ListFiles expands the given paths: files are returned as is,
// directories are replaced with the files with the given suffix they contain (sorted).
func ListFiles(paths []string, suffix string) ([]string, error) {
	var res []string
	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			res = append(res, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, ent := range entries {
			if !ent.IsDir() && strings.HasSuffix(ent.Name(), suffix) {
				names = append(names, filepath.Join(path, ent.Name()))
			}
		}
		sort.Strings(names)
		res = append(res, names...)
	}
	return res, nil
}
