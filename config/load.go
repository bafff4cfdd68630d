// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	FALLBACK_PATH = "config.toml"
	XDG_NAME      = "wayswap/config.toml"
)

// DefaultPath looks for $XDG_CONFIG_HOME/wayswap/config.toml and the XDG config dirs,
// falling back to config.toml in the working directory
func DefaultPath() string {
	path, err := xdg.SearchConfigFile(XDG_NAME)
	if err != nil {
		logrus.WithError(err).Debugln("No config in xdg dirs, using fallback")
		return FALLBACK_PATH
	}
	return path
}

// Load reads the config at path. yaml is used for .yaml and .yml files, toml for everything else.
// A missing file isn't an error, the defaults are used instead.
// The returned config is not validated yet.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.WithField("path", path).Infoln("Config file doesn't exist, using defaults")
		conf := Default()
		return &conf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	conf, err := Parse(data, isYaml(path))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	logrus.WithField("path", path).Debugln("Loaded config")
	return conf, nil
}

func Parse(data []byte, asYaml bool) (*Config, error) {
	conf := Config{}
	var err error
	if asYaml {
		err = yaml.Unmarshal(data, &conf)
	} else {
		err = toml.Unmarshal(data, &conf)
	}
	if err != nil {
		return nil, err
	}
	conf.fillDefaults()
	return &conf, nil
}

// Marshal encodes the config in the format matching path, like Load would read it
func (c *Config) Marshal(asYaml bool) ([]byte, error) {
	if asYaml {
		return yaml.Marshal(c)
	}
	return toml.Marshal(*c)
}

func isYaml(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
