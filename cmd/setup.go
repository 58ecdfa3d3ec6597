// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/cardinalhq/skyrunner/internal/idgen"
	"github.com/cardinalhq/skyrunner/internal/logctx"
)

var myInstanceID int64

// setupEnvironment configures the process-wide logger, stamps it with the
// service name and instance id, and installs signal handling. The returned
// context carries the logger and is cancelled on SIGINT/SIGTERM.
func setupEnvironment(servicename string) (context.Context, func() error, error) {
	myInstanceID = idgen.DefaultFlakeGenerator.NextID()

	doneCtx, doneCancel := handleSignals(context.Background())

	cleanup := func() error {
		doneCancel()
		return nil
	}

	var opts *slog.HandlerOptions
	if os.Getenv("DEBUG") != "" || os.Getenv("SKYRUNNER_DEBUG") != "" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}

	handlers := []slog.Handler{slog.NewTextHandler(os.Stdout, opts)}
	if logFile := os.Getenv("SKYRUNNER_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			doneCancel()
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		cleanup = func() error {
			doneCancel()
			return f.Close()
		}
	}

	logger := slog.New(slogmulti.Fanout(handlers...)).With(
		slog.String("service", servicename),
		slog.Int64("instanceID", myInstanceID),
	)
	slog.SetDefault(logger)

	return logctx.WithLogger(doneCtx, logger), cleanup, nil
}
