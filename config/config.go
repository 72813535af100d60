//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of GoPersist.
//
// GoPersist is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// GoPersist is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with GoPersist. If not, see https://www.gnu.org/licenses/.

// Package config loads the YAML configuration of a GoPersist deployment and turns
// it into loggers, guzzler options and backend connection providers.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/registry"
	"github.com/aaronlmathis/gopersist/writers"
)

// Config is the root document. Backend sections are optional; a nil section means
// the backend is not used.
type Config struct {
	Logging  LoggingConfig       `yaml:"logging"`
	Guzzler  GuzzlerConfig       `yaml:"guzzler"`
	Postgres *PostgresConfig     `yaml:"postgres,omitempty"`
	Mongo    *MongoConfig        `yaml:"mongo,omitempty"`
	S3       *readers.AWSOptions `yaml:"s3,omitempty"`
	Dynamo   *readers.AWSOptions `yaml:"dynamodb,omitempty"`
	Routines []registry.InitSpec `yaml:"routines,omitempty"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"` // json or console
}

// GuzzlerConfig mirrors the QueueGuzzler options.
type GuzzlerConfig struct {
	Workers      int           `yaml:"workers"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	FixedDelay   time.Duration `yaml:"fixed_delay"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	DrainPolicy  string        `yaml:"drain_policy"`
}

// PostgresConfig configures the relational backend. Tenants maps tenant ids to their
// own DSN; requests without a mapped tenant use DSN.
type PostgresConfig struct {
	Driver          string            `yaml:"driver"` // pgx (default) or pq
	DSN             string            `yaml:"dsn"`
	Tenants         map[string]string `yaml:"tenants,omitempty"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
}

// MongoConfig configures the document backend. Tenants maps tenant ids to database names.
type MongoConfig struct {
	Client   readers.MongoClientOptions `yaml:"client"`
	Database string                     `yaml:"database"`
	Tenants  map[string]string          `yaml:"tenants,omitempty"`
}

const (
	DriverPgx = "pgx"
	DriverPq  = "pq"
)

// Load reads envFiles into the process environment, expands ${VAR} references in the
// YAML at path and decodes it. Unknown keys are rejected.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, &gopersist.ConfigurationError{Op: "load_env", Err: err}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "read_config", Err: err}
	}
	return Parse(data)
}

// Parse decodes a YAML document after environment expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &gopersist.ConfigurationError{Op: "parse_config", Err: err}
	}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) withDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
		if c.Logging.Development {
			c.Logging.Encoding = "console"
		}
	}

	if c.Guzzler.Workers <= 0 {
		c.Guzzler.Workers = 1
	}
	if c.Guzzler.InitialDelay == 0 {
		c.Guzzler.InitialDelay = 30 * time.Second
	}
	if c.Guzzler.FixedDelay == 0 {
		c.Guzzler.FixedDelay = time.Second
	}
	if c.Guzzler.PollTimeout == 0 {
		c.Guzzler.PollTimeout = 10 * time.Millisecond
	}

	if c.Postgres != nil && c.Postgres.Driver == "" {
		c.Postgres.Driver = DriverPgx
	}
	if c.Mongo != nil && c.Mongo.Client.Timeout == 0 {
		c.Mongo.Client.Timeout = 10 * time.Second
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return &gopersist.ConfigurationError{Op: "logging", Err: err}
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return &gopersist.ConfigurationError{Op: "logging", Err: fmt.Errorf("unknown encoding %q", c.Logging.Encoding)}
	}
	if _, err := writers.ParseDrainPolicy(c.Guzzler.DrainPolicy); err != nil {
		return err
	}
	if c.Guzzler.InitialDelay < 0 || c.Guzzler.FixedDelay < 0 || c.Guzzler.PollTimeout < 0 {
		return &gopersist.ConfigurationError{Op: "guzzler", Err: errors.New("delays must not be negative")}
	}

	if pg := c.Postgres; pg != nil {
		if pg.Driver != DriverPgx && pg.Driver != DriverPq {
			return &gopersist.ConfigurationError{Op: "postgres", Err: fmt.Errorf("unknown driver %q", pg.Driver)}
		}
		if pg.DSN == "" && len(pg.Tenants) == 0 {
			return &gopersist.ConfigurationError{Op: "postgres", Err: errors.New("dsn or tenants is required")}
		}
	}
	if m := c.Mongo; m != nil {
		if m.Client.URI == "" {
			return &gopersist.ConfigurationError{Op: "mongo", Err: errors.New("client.uri is required")}
		}
		if m.Database == "" && len(m.Tenants) == 0 {
			return &gopersist.ConfigurationError{Op: "mongo", Err: errors.New("database or tenants is required")}
		}
	}
	for i, r := range c.Routines {
		if r.Name == "" || r.Type == "" {
			return &gopersist.ConfigurationError{Op: "routines", Err: fmt.Errorf("routine %d needs a name and a type", i)}
		}
	}
	return nil
}

// GuzzlerOptions converts the section into QueueGuzzler options.
func (g GuzzlerConfig) GuzzlerOptions(logger *zap.Logger) ([]writers.GuzzlerOption, error) {
	policy, err := writers.ParseDrainPolicy(g.DrainPolicy)
	if err != nil {
		return nil, err
	}
	return []writers.GuzzlerOption{
		writers.WithWorkers(g.Workers),
		writers.WithInitialDelay(g.InitialDelay),
		writers.WithFixedDelay(g.FixedDelay),
		writers.WithPollTimeout(g.PollTimeout),
		writers.WithDrainPolicy(policy),
		writers.WithGuzzlerLogger(logger),
	}, nil
}

// NewLogger builds a zap logger from the logging section.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "logging", Err: err}
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "logging", Err: fmt.Errorf("failed to build logger: %w", err)}
	}
	return logger, nil
}
