// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process sets up process-wide configuration, logging and debug
// endpoints for the genrelay commands.
package process

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/genrelay/private/cfgstruct"
)

var (
	// Error is a process error class.
	Error = errs.Class("process")

	mon = monkit.Package()
)

// DefaultCfgFilename is the name of the config file within the config directory.
const DefaultCfgFilename = "config.yaml"

var (
	commandMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
	cancels    = map[*cobra.Command]context.CancelFunc{}
)

// Bind sets flags on a command that match the configuration struct
// 'config'. It ensures that the config has all of the values loaded into it
// when the command runs.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
}

// Exec runs a Cobra command. If a 'config-dir' flag is defined the
// config file in that directory is loaded and flags not set on the command
// line are propagated from it and the environment.
func Exec(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cmd.SilenceUsage = true
	cleanup(cmd)
	Must(cmd.Execute())
}

// Ctx returns the appropriate context.Context for ExecuteWithConfig commands.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	commandMtx.Lock()
	defer commandMtx.Unlock()

	ctx, ok := contexts[cmd]
	if !ok {
		ctx = context.Background()
		contexts[cmd] = ctx
	}

	cancel := cancels[cmd]
	if cancel == nil {
		ctx, cancel = context.WithCancel(ctx)
		contexts[cmd] = ctx
		cancels[cmd] = cancel
	}

	return ctx, cancel
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("Please use cobra's RunE instead of Run")
	}
	internalRun := cmd.RunE
	if internalRun == nil {
		return
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer mon.TaskNamed("root")(&ctx)(&err)

		vip := viper.New()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			return Error.Wrap(err)
		}
		vip.SetEnvPrefix("genrelay")
		vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		vip.AutomaticEnv()

		if cfgFlag := cmd.Flags().Lookup("config-dir"); cfgFlag != nil && cfgFlag.Value.String() != "" {
			path := filepath.Join(os.ExpandEnv(cfgFlag.Value.String()), DefaultCfgFilename)
			if fileExists(path) && cmd.Annotations["type"] != "setup" {
				vip.SetConfigFile(path)
				if err := vip.ReadInConfig(); err != nil {
					return Error.Wrap(err)
				}
			}
		}

		// Propagate resolved settings into any flags that were not
		// explicitly changed on the command line. Viper cannot enumerate
		// environment-only keys, so the flags drive the iteration. By
		// this point cobra has merged the stdlib flag set into the
		// command, so the logging and debug flags are covered too.
		var brokenKeys []string
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			value := vip.Get(f.Name)
			if value == nil {
				return
			}
			if err := f.Value.Set(fmt.Sprint(value)); err != nil {
				brokenKeys = append(brokenKeys, f.Name)
			}
		})

		logger, err := NewLogger()
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		for _, key := range brokenKeys {
			logger.Warn("failed to apply configured value", zap.String("key", key))
		}

		if err := initDebug(logger, monkit.Default); err != nil {
			logger.Error("failed to start debug endpoints", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		commandMtx.Lock()
		contexts[cmd] = ctx
		cancels[cmd] = cancel
		commandMtx.Unlock()
		defer func() {
			commandMtx.Lock()
			delete(contexts, cmd)
			delete(cancels, cmd)
			commandMtx.Unlock()
		}()

		err = internalRun(cmd, args)
		if err != nil {
			logger.Error("failure during run", zap.Error(err))
		}
		return err
	}
}

// Must logs the error and exits when err is not nil.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
