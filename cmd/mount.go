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

package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/ovlfuse/overlayfs/cfg"
	"github.com/ovlfuse/overlayfs/internal/copyup"
	"github.com/ovlfuse/overlayfs/internal/layer"
	"github.com/ovlfuse/overlayfs/internal/logger"
	"github.com/ovlfuse/overlayfs/internal/monitor"
	"github.com/ovlfuse/overlayfs/internal/overlay"
	"github.com/ovlfuse/overlayfs/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mount builds the layer stack described by lowers/upper and serves it at
// mountPoint until the filesystem is unmounted.
func Mount(ctx context.Context, lowers []string, upper string, mountPoint string, newConfig *cfg.Config) (err error) {
	if err = logger.Init(logger.Config{
		Severity:   string(newConfig.Logging.Severity),
		Format:     newConfig.Logging.Format,
		FilePath:   string(newConfig.Logging.FilePath),
		MaxSizeMB:  newConfig.Logging.LogRotate.MaxFileSizeMb,
		MaxBackups: newConfig.Logging.LogRotate.BackupFileCount,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	layers := make([]*layer.Accessor, 0, len(lowers)+1)
	upperAccessor, err := layer.Open(upper, 0)
	if err != nil {
		return fmt.Errorf("opening upper layer %q: %w", upper, err)
	}
	layers = append(layers, upperAccessor)

	for i, lower := range lowers {
		acc, err := layer.Open(lower, i+1)
		if err != nil {
			return fmt.Errorf("opening lower layer %q: %w", lower, err)
		}
		layers = append(layers, acc)
	}

	reg := registry.New(layers)
	cu := copyup.New(reg)

	var recorder overlay.MetricsRecorder
	if cfg.IsMetricsEnabled(newConfig) {
		promReg := prometheus.NewRegistry()
		rec, shutdown, err := monitor.New(promReg)
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer shutdown(ctx)
		recorder = rec

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: newConfig.Metrics.Listen, Handler: mux}
		go func() {
			logger.Infof("serving metrics on %s", newConfig.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	fs := overlay.New(reg, cu, recorder, nil)

	fsName := fsName(upper)
	mountCfg := getFuseMountConfig(fsName, newConfig)

	logger.Infof("mounting %q over %d lower layer(s) and upper %q...", mountPoint, len(lowers), upper)
	mfs, err := fuse.Mount(mountPoint, fuseutil.NewFileSystemServer(fs), mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	return mfs.Join(ctx)
}

func fsName(upper string) string {
	return "overlayfs:" + upper
}

func getFuseMountConfig(fsName string, newConfig *cfg.Config) *fuse.MountConfig {
	mountCfg := &fuse.MountConfig{
		FSName:     fsName,
		Subtype:    "overlayfs",
		VolumeName: "overlayfs",
		// Lookups hold the registry's mutex only around in-memory
		// bookkeeping, never across the per-layer stat calls; allowing them
		// to run in parallel gives real throughput gains for workloads that
		// touch many siblings under the same directory at once.
		EnableParallelDirOps: true,
	}

	// Logging severity to jacobsa/fuse log level mapping: only ERROR and
	// TRACE are wired through, mirroring how little of FUSE's own debug
	// trace is useful once our own structured logging is in place.
	if newConfig.Logging.Severity.Rank() <= cfg.ErrorLogSeverity.Rank() {
		mountCfg.ErrorLogger = logger.NewLegacyLogger(logger.LevelError, "fuse", fsName)
	}
	if newConfig.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug", fsName)
	}
	return mountCfg
}
