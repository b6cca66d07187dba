// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The imgdeps command scans a container image and prints its dependency graph as JSON.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/imgdeps/imgdeps/binary/cli"
	"github.com/imgdeps/imgdeps/binary/scanrunner"
	"github.com/imgdeps/imgdeps/log"
	"github.com/spf13/cobra"
)

var errScanFailed = errors.New("scan failed")

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdline := &cli.Flags{}
	cmd := &cobra.Command{
		Use:   "imgdeps [image]",
		Short: "Build the dependency graph of a container image",
		Long: `imgdeps lists the OS packages, application packages and binaries of a container image
and links them into a dependency graph.

Without --image-path the image is started through the Docker daemon of the environment.
With --image-path and --image-type an image archive is read from disk instead.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cmdline.Target = args[0]
			}
			flags, err := cli.Load(cmd.Flags(), cmdline)
			if err != nil {
				return err
			}
			if err := cli.ValidateFlags(flags); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			if code := scanrunner.RunScan(cmd.Context(), flags); code != 0 {
				return errScanFailed
			}
			return nil
		},
	}
	cli.RegisterFlags(cmd.Flags(), cmdline)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
