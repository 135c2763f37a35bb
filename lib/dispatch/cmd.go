// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/lib/cmd"
	"git.arvados.org/gangrun.git/lib/config"
	"git.arvados.org/gangrun.git/lib/progress"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// Command runs one stage of a registered program and writes the
// result to stdout as JSON.
var Command cmd.Handler = runCommand{}

type runCommand struct{}

func (runCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("run failed")
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	program := flags.String("program", "", "name of registered `program` to run")
	mode := flags.String("mode", string(gangrun.ModeFit), "stage to run: fit, evaluate, or predict")
	stateIn := flags.String("state", "", "read initial model state from `file`")
	stateOut := flags.String("output-state", "", "write final model state to `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	if *program == "" {
		fmt.Fprintf(stderr, "%s: -program is required (available: %v)\n", prog, agent.Programs())
		return 2
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger.WithField("Config", config.Redacted(*cfg)).Debug("loaded config")

	model, err := agent.NewModel(*program)
	if err != nil {
		return 1
	}
	if *stateIn != "" {
		var buf []byte
		buf, err = os.ReadFile(*stateIn)
		if err != nil {
			return 1
		}
		if err = model.DecodeState(buf); err != nil {
			err = fmt.Errorf("decoding %s: %w", *stateIn, err)
			return 1
		}
	}

	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	co, err := New(ctx, *cfg, nil)
	if err != nil {
		return 1
	}
	defer co.Close()

	req := Request{Program: *program, Mode: gangrun.Mode(*mode), Model: model}
	if req.Mode == gangrun.ModeFit {
		req.Observer = progress.LogObserver(logger.WithField("Program", *program))
	}
	res, err := co.Run(ctx, req)
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"RunID":            res.RunID,
		"ProgressMessages": res.ProgressMessages,
	}).Info("run complete")

	if *stateOut != "" {
		var buf []byte
		buf, err = model.EncodeState()
		if err != nil {
			return 1
		}
		if err = os.WriteFile(*stateOut, buf, 0666); err != nil {
			return 1
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(res); err != nil {
		return 1
	}
	return 0
}
