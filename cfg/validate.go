// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import "fmt"

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (retain all backups) or positive")
	}
	return nil
}

func isValidFileSystemConfig(config *FileSystemConfig) error {
	if config.Uid < -1 {
		return fmt.Errorf("uid must be -1 or a non-negative integer")
	}
	if config.Gid < -1 {
		return fmt.Errorf("gid must be -1 or a non-negative integer")
	}
	return nil
}

// ValidateConfig returns a non-nil error if config is internally
// inconsistent.
func ValidateConfig(config *Config) error {
	if _, ok := severityRanking[config.Logging.Severity]; !ok {
		return fmt.Errorf("invalid logging.severity: %s", config.Logging.Severity)
	}
	if config.Logging.Format != "text" && config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s, must be text or json", config.Logging.Format)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if err := isValidFileSystemConfig(&config.FileSystem); err != nil {
		return fmt.Errorf("error parsing file-system config: %w", err)
	}
	return nil
}
