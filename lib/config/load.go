// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the driver and agent configuration: a YAML
// document whose entries override the defaults in
// config.default.yml.
package config

//go:generate go run generate.go

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

const DefaultConfigFile = "/etc/gangrun/config.yml"

// A Loader reads a configuration file.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path of the configuration file. "-" means Stdin. Empty
	// means DefaultConfigFile if it exists, otherwise just the
	// defaults.
	Path string

	// Return an error, rather than logging a warning, if the
	// file has entries that don't correspond to any config key.
	Strict bool
}

// NewLoader returns a Loader for the default config file, which can
// be changed with command line flags (see SetupFlags).
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger}
}

// SetupFlags adds a -config flag to flagset.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "configuration `file` (default "+DefaultConfigFile+" if present, \"-\" for stdin)")
}

// Load returns the defaults overlaid with the configuration file.
func (ldr *Loader) Load() (*gangrun.Config, error) {
	var buf []byte
	var err error
	switch ldr.Path {
	case "-":
		buf, err = ioutil.ReadAll(ldr.Stdin)
	case "":
		buf, err = ioutil.ReadFile(DefaultConfigFile)
		if os.IsNotExist(err) {
			buf, err = nil, nil
		}
	default:
		buf, err = ioutil.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*gangrun.Config, error) {
	var cfg gangrun.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return &cfg, nil
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("config is not a mapping")
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	err = ldr.checkUnknownKeys(src)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) checkUnknownKeys(src map[string]interface{}) error {
	var defaults map[string]interface{}
	err := yaml.Unmarshal(DefaultYAML, &defaults)
	if err != nil {
		return err
	}
	var unknown []string
	collectUnknownKeys(&unknown, "", src, defaults)
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	if ldr.Strict {
		return fmt.Errorf("unknown config entries: %s", strings.Join(unknown, ", "))
	}
	if ldr.Logger != nil {
		for _, k := range unknown {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
		}
	}
	return nil
}

// collectUnknownKeys appends the dotted path of every key in src that
// has no counterpart in expected. Key names are compared
// case-insensitively, as they are when decoding.
func collectUnknownKeys(unknown *[]string, prefix string, src, expected map[string]interface{}) {
	known := map[string]interface{}{}
	for k, v := range expected {
		known[strings.ToLower(k)] = v
	}
	for k, v := range src {
		exp, ok := known[strings.ToLower(k)]
		if !ok {
			*unknown = append(*unknown, prefix+k)
			continue
		}
		vmap, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if expmap, ok := exp.(map[string]interface{}); ok {
			collectUnknownKeys(unknown, prefix+k+".", vmap, expmap)
		}
	}
}

// Load reads a configuration document from rdr.
func Load(rdr io.Reader, logger logrus.FieldLogger) (*gangrun.Config, error) {
	ldr := NewLoader(rdr, logger)
	ldr.Path = "-"
	return ldr.Load()
}

// LoadFile reads the configuration file at path.
func LoadFile(path string, logger logrus.FieldLogger) (*gangrun.Config, error) {
	ldr := NewLoader(nil, logger)
	ldr.Path = path
	return ldr.Load()
}
