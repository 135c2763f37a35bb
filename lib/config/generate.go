// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

//go:build ignore
// +build ignore

// Regenerates generated_config.go from config.default.yml.
package main

import (
	"bytes"
	"fmt"
	"go/format"
	"log"
	"os"
)

const (
	srcfn = "config.default.yml"
	outfn = "generated_config.go"
)

func main() {
	if err := generate(); err != nil {
		log.Fatal(err)
	}
}

func generate() error {
	// copyright header: same as this file
	self, err := os.ReadFile("generate.go")
	if err != nil {
		return err
	}
	header := bytes.SplitAfterN(self, []byte("\n\n"), 2)[0]

	data, err := os.ReadFile(srcfn)
	if err != nil {
		return err
	}
	var src bytes.Buffer
	src.Write(header)
	fmt.Fprintf(&src, "package config\n\nvar DefaultYAML = []byte(`%s`)\n", bytes.ReplaceAll(data, []byte{'`'}, []byte("`+\"`\"+`")))
	out, err := format.Source(src.Bytes())
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(".", "."+outfn+".")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outfn)
}
