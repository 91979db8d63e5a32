// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/buildaccel/dispatch"
)

// Manifest is the task list read from a JSONC file.
type Manifest struct {
	Tasks []ManifestTask `json:"tasks"`
}

// ManifestTask is one command. Relative paths resolve against the
// manifest's directory.
type ManifestTask struct {
	Executable           string   `json:"executable"`
	Arguments            []string `json:"arguments"`
	WorkingDir           string   `json:"working_dir"`
	Input                string   `json:"input"`
	Output               string   `json:"output"`
	Dependencies         []string `json:"dependencies"`
	AdditionalOutputDirs []string `json:"additional_output_dirs"`
	Description          string   `json:"description"`
	Weight               float32  `json:"weight"`
}

// ParseManifest strips JSONC comments and trailing commas from data and
// decodes the task list.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	var errs []error
	for i, task := range manifest.Tasks {
		if task.Executable == "" {
			errs = append(errs, fmt.Errorf("task %d: executable is required", i))
		}
		if task.Weight < 0 {
			errs = append(errs, fmt.Errorf("task %d: weight must not be negative", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadManifest reads and parses the manifest at path, resolving
// relative paths against its directory.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	for i := range manifest.Tasks {
		manifest.Tasks[i].resolve(base)
	}
	return manifest, nil
}

func (m *ManifestTask) resolve(base string) {
	abs := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(base, path)
	}
	if m.WorkingDir == "" {
		m.WorkingDir = base
	} else {
		m.WorkingDir = abs(m.WorkingDir)
	}
	m.Input = abs(m.Input)
	m.Output = abs(m.Output)
	for i := range m.Dependencies {
		m.Dependencies[i] = abs(m.Dependencies[i])
	}
	for i := range m.AdditionalOutputDirs {
		m.AdditionalOutputDirs[i] = abs(m.AdditionalOutputDirs[i])
	}
}

// Command converts the task for the controller.
func (m *ManifestTask) Command() dispatch.Command {
	description := m.Description
	if description == "" {
		description = filepath.Base(m.Executable)
	}
	return dispatch.Command{
		Executable:           m.Executable,
		Arguments:            slices.Clone(m.Arguments),
		WorkingDir:           m.WorkingDir,
		InputFile:            m.Input,
		OutputFile:           m.Output,
		Dependencies:         slices.Clone(m.Dependencies),
		AdditionalOutputDirs: slices.Clone(m.AdditionalOutputDirs),
		Description:          description,
		ProcessID:            os.Getpid(),
		Weight:               m.Weight,
	}
}
