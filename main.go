// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mstarongithub/wayswap/config"
	"github.com/sirupsen/logrus"
)

var (
	configPath *string = flag.String("config", "", "Path to the config file. Default is the xdg config dir, then \"config.toml\"")
	toolMode   *bool   = flag.Bool("tool", false, "Start as a tool instead of a server")
	help       *bool   = flag.Bool("help", false, "Show the help message")
	logLevel   *string = flag.String("loglevel", "", "Overrides the log level from the config")
)

func main() {
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	conf, err := config.Load(path)
	if err != nil {
		fatal("loading config", err)
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if err = conf.Validate(); err != nil {
		fatal("validating config "+path, err)
	}
	level, _ := conf.ParsedLogLevel()
	logrus.SetLevel(level)
	logrus.WithField("path", path).Debugln("Config loaded")

	if *toolMode {
		utilMain(conf)
	} else {
		serverMain(conf)
	}
}

func fatal(msg string, err error) {
	fmt.Printf("error %s: %s\n", msg, err)
	os.Exit(1)
}
