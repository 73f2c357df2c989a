/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The hostfactory binary runs the AWS host factory provider. serve runs the
// full system until interrupted, validate checks configuration and templates
// without serving, version prints the build version.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	awsclient "github.com/awslabs/open-resource-broker-sub002/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub002/pkg/handlers"
	"github.com/awslabs/open-resource-broker-sub002/pkg/operator"
	"github.com/awslabs/open-resource-broker-sub002/pkg/operator/options"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options.New()
	root := &cobra.Command{
		Use:   "hostfactory",
		Short: "AWS host factory provider",
		Long: `hostfactory acquires and releases EC2 capacity on behalf of a batch
scheduler. Requests arrive as commands, machines are provisioned through
EC2 Fleet, Spot Fleet, Auto Scaling groups or RunInstances, and background
controllers reconcile machine state until the capacity is returned.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(opts), newValidateCommand(opts), newVersionCommand())
	return root
}

func newServeCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host factory until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := opts.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			op, err := operator.NewOperator(ctx, log, opts)
			if err != nil {
				return err
			}
			return op.Start(ctx)
		},
	}
	cmd.Flags().AddFlagSet(opts.FlagSet)
	return cmd
}

func newValidateCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and templates, then exit",
		Long: `validate assembles the system the way serve does, runs a strict
validation of every template against its provider configuration and prints
the verdict as JSON. The exit code is non-zero when any template is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := opts.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			op, err := operator.NewOperator(cmd.Context(), log, opts)
			if err != nil {
				return err
			}
			result, err := op.Container.Queries().Execute(cmd.Context(), handlers.ValidateProviderConfig{})
			if err != nil {
				return err
			}
			verdict, ok := result.(handlers.ConfigValidation)
			if !ok {
				return fmt.Errorf("unexpected validation result type %T", result)
			}
			out, err := json.MarshalIndent(verdict, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !verdict.Valid {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}
	cmd.Flags().AddFlagSet(opts.FlagSet)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), awsclient.Version)
		},
	}
}
