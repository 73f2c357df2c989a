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

// Package options holds the process-level settings: everything the binary
// needs before the configuration file is read. Each flag falls back to an
// environment variable, so container deployments configure through the
// environment and command lines stay short.
package options

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/awslabs/open-resource-broker-sub002/pkg/utils/env"
)

// Options for running this binary.
type Options struct {
	*pflag.FlagSet

	ConfigFile          string
	LogLevel            string
	LogMode             string
	MetricsPort         int
	AWSRegion           string
	StatusPollInterval  time.Duration
	TimeoutPollInterval time.Duration
	InterruptionQueue   string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := pflag.NewFlagSet("hostfactory", pflag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("CONFIG_FILE", "config.json"), "Path to the provider configuration file")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	f.StringVar(&opts.LogMode, "log-mode", env.WithDefaultString("LOG_MODE", "json"), "Log encoder: json or console")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metrics endpoint binds to")
	f.StringVar(&opts.AWSRegion, "aws-region", env.WithDefaultString("AWS_REGION", ""), "AWS region override; empty resolves through the SDK chain and then IMDS")
	f.DurationVar(&opts.StatusPollInterval, "status-poll-interval", env.WithDefaultDuration("STATUS_POLL_INTERVAL", 30*time.Second), "How often processing requests are polled against their provider")
	f.DurationVar(&opts.TimeoutPollInterval, "timeout-poll-interval", env.WithDefaultDuration("TIMEOUT_POLL_INTERVAL", time.Minute), "How often requests are swept for deadline overruns")
	f.StringVar(&opts.InterruptionQueue, "interruption-queue", env.WithDefaultString("INTERRUPTION_QUEUE", ""), "SQS queue name carrying EC2 interruption events; empty disables the consumer")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o *Options) Validate() (err error) {
	if o.ConfigFile == "" {
		err = multierr.Append(err, fmt.Errorf("config file path is required"))
	}
	if _, parseErr := zapcore.ParseLevel(o.LogLevel); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("log-level %q is not a valid level", o.LogLevel))
	}
	if o.LogMode != "json" && o.LogMode != "console" {
		err = multierr.Append(err, fmt.Errorf("log-mode may only be either json or console"))
	}
	if o.MetricsPort < 1 || o.MetricsPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("metrics-port %d is outside [1, 65535]", o.MetricsPort))
	}
	if o.StatusPollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("status-poll-interval must be positive"))
	}
	if o.TimeoutPollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("timeout-poll-interval must be positive"))
	}
	return err
}

// NewLogger builds the process logger from the configured level and mode.
func (o *Options) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level, %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if o.LogMode == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger, %w", err)
	}
	return log, nil
}
