// Copyright 2025 AUTHORS
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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/yophilav/iotedge/pkg/supervisor"
)

// version is stamped at build time; left as a placeholder default for
// a student repository with no release pipeline.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var configFile string
	var showVersion bool
	flags := pflag.NewFlagSet("iotedged", pflag.ContinueOnError)
	flags.StringVarP(&configFile, "config-file", "c", "/etc/iotedge/config.yaml", "path to the daemon's configuration file")
	flags.BoolVar(&showVersion, "version", false, "print the daemon version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if showVersion {
		fmt.Println("iotedged", version)
		return 0
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer logger.Sync()

	sup, err := supervisor.New(configFile, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error("unrecoverable error", zap.Error(err))
		return 1
	}
	return 0
}
