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

package monitor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ovlfuse/overlayfs/internal/monitor"
	"github.com/ovlfuse/overlayfs/internal/overlayops"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RecordsCountByOutcome(t *testing.T) {
	reg := promclient.NewRegistry()
	recorder, shutdown, err := monitor.New(reg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	recorder.RecordRename2(overlayops.OutcomeMoved, 2*time.Millisecond)
	recorder.RecordRename2(overlayops.OutcomeMoved, 3*time.Millisecond)
	recorder.RecordRename2(overlayops.OutcomeRejectedExists, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.Contains(mf.GetName(), "rename2_count") {
			found = true
		}
	}
	require.True(t, found, "expected a rename2 count metric family among %d families", len(families))
}
