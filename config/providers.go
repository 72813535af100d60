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

package config

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/registry"
	"github.com/aaronlmathis/gopersist/tenant"
	"github.com/aaronlmathis/gopersist/transform"
)

// SQLMapping returns the tenant mapping of the relational backend: one connection
// pool per distinct tenant, opened with the configured driver.
func SQLMapping(cfg PostgresConfig) tenant.MappingFunc[readers.SQLConn] {
	return func(ctx context.Context, id string, ok bool) (readers.SQLConn, error) {
		dsn := cfg.DSN
		if ok {
			if mapped, found := cfg.Tenants[id]; found {
				dsn = mapped
			}
		}
		if dsn == "" {
			return nil, &gopersist.ConfigurationError{Op: "postgres", Err: fmt.Errorf("no dsn mapped for tenant %q", id)}
		}

		if cfg.Driver == DriverPq {
			db, err := readers.OpenPostgres(ctx, dsn, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
			if err != nil {
				return nil, err
			}
			return readers.NewSQLDBConn(db), nil
		}
		pool, err := readers.OpenPgxPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return readers.NewPgxConn(pool), nil
	}
}

// SQLProvider routes relational connections by tenant. Close it to close every pool.
func SQLProvider(cfg PostgresConfig, logger *zap.Logger) (*tenant.MultiTenantProvider[readers.SQLConn], error) {
	return tenant.NewMultiTenantProvider(SQLMapping(cfg), tenant.WithLogger(logger), tenant.WithName("postgres"))
}

// MongoProvider connects the shared client and routes tenants to their databases.
// The caller disconnects the client.
func MongoProvider(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*mongo.Client, *tenant.MultiTenantProvider[readers.MongoDatabase], error) {
	client, err := readers.NewMongoClient(ctx, cfg.Client)
	if err != nil {
		return nil, nil, err
	}
	provider, err := tenant.NewMultiTenantProvider(
		readers.MongoTenantDatabase(client, cfg.Tenants, cfg.Database),
		tenant.WithLogger(logger), tenant.WithName("mongo"))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client, provider, nil
}

// ObjectStore returns the S3 store when the s3 section is present, otherwise nil,
// which limits file readers and appenders to local paths.
func (c *Config) ObjectStore(ctx context.Context) (readers.ObjectStore, error) {
	if c.S3 == nil {
		return nil, nil
	}
	store, err := readers.NewS3ObjectStore(ctx, *c.S3)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// DynamoProvider builds the DynamoDB client when the dynamodb section is present.
func (c *Config) DynamoProvider(ctx context.Context) (tenant.ConnectionProvider[readers.DynamoAPI], error) {
	if c.Dynamo == nil {
		return nil, &gopersist.ConfigurationError{Op: "dynamodb", Err: fmt.Errorf("dynamodb section is missing")}
	}
	client, err := readers.NewDynamoClient(ctx, *c.Dynamo)
	if err != nil {
		return nil, err
	}
	return tenant.Static[readers.DynamoAPI](client), nil
}

// RoutineMap builds the configured routines keyed by name, ready for transform.WithRoutines.
func (c *Config) RoutineMap(singletons *registry.Singletons) (map[string]gopersist.Transformer, error) {
	routines, err := transform.NewRoutineRegistry(singletons).ResolveAll(c.Routines)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "routines", Err: err}
	}
	return routines, nil
}
