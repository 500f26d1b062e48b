// Copyright 2025 Tom Barlow
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

package sweep

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStart_SchedulesBothSweeps(t *testing.T) {
	s := New(nil, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	err := s.Start()
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	require.Len(t, s.cron.Entries(), 2)
}

func TestRetentionWindows(t *testing.T) {
	require.Equal(t, 30*24*time.Hour, ExecutionRetention)
	require.Equal(t, 90*24*time.Hour, UsageCounterRetention)
}
