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

package writers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/readers"
	"github.com/aaronlmathis/gopersist/tenant"
)

// ConflictResolution defines how a generated INSERT handles unique conflicts.
type ConflictResolution int

const (
	// ConflictError returns an error on conflict (default PostgreSQL behavior).
	ConflictError ConflictResolution = iota
	// ConflictIgnore ignores conflicting rows (ON CONFLICT DO NOTHING).
	ConflictIgnore
	// ConflictUpdate updates conflicting rows (ON CONFLICT DO UPDATE).
	ConflictUpdate
)

// InsertSpec describes a generated INSERT statement.
type InsertSpec struct {
	Table              string
	Columns            []string // Record fields, in placeholder order
	ConflictResolution ConflictResolution
	ConflictColumns    []string // Columns that define uniqueness
	UpdateColumns      []string // Columns to update on conflict (ConflictUpdate)
}

// BuildInsert generates an SQLOperation inserting one record, with each column bound
// from the record field of the same name.
func BuildInsert(spec InsertSpec) (readers.SQLOperation, error) {
	if spec.Table == "" || len(spec.Columns) == 0 {
		return readers.SQLOperation{}, &gopersist.ConfigurationError{Op: "sql_insert", Err: errors.New("table and columns are required")}
	}
	if spec.ConflictResolution != ConflictError && len(spec.ConflictColumns) == 0 {
		return readers.SQLOperation{}, &gopersist.ConfigurationError{Op: "sql_insert", Err: errors.New("conflict columns are required")}
	}

	placeholders := make([]string, len(spec.Columns))
	params := make([]readers.SQLParam, len(spec.Columns))
	for i, col := range spec.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		params[i] = readers.SQLParam{Name: col}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table,
		strings.Join(spec.Columns, ", "),
		strings.Join(placeholders, ", "))

	switch spec.ConflictResolution {
	case ConflictIgnore:
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(spec.ConflictColumns, ", "))
	case ConflictUpdate:
		updateCols := spec.UpdateColumns
		if len(updateCols) == 0 {
			return readers.SQLOperation{}, &gopersist.ConfigurationError{Op: "sql_insert", Err: errors.New("update columns are required")}
		}
		updateClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			updateClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(spec.ConflictColumns, ", "),
			strings.Join(updateClauses, ", "))
	}

	return readers.SQLOperation{SQL: query, Params: params}, nil
}

// SQLUpdater writes records with SQLOperation statements whose params are taken from
// each record. The connection is resolved per call from the provider.
type SQLUpdater struct {
	provider  tenant.ConnectionProvider[readers.SQLConn]
	logger    *zap.Logger
	templates *engine.TemplateEngine
}

var _ gopersist.GeneralUpdater[readers.SQLOperation, readers.SQLOperation] = (*SQLUpdater)(nil)

// NewSQLUpdater creates a relational updater.
func NewSQLUpdater(provider tenant.ConnectionProvider[readers.SQLConn], opts ...Option) (*SQLUpdater, error) {
	if provider == nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_updater", Err: errors.New("connection provider is required")}
	}
	o := newOptions(opts)
	return &SQLUpdater{provider: provider, logger: o.logger, templates: o.templates}, nil
}

func (u *SQLUpdater) exec(ctx context.Context, op readers.SQLOperation, record gopersist.Record) (int64, error) {
	if op.SQL == "" {
		return 0, &gopersist.ConfigurationError{Op: "sql_exec", Err: errors.New("sql is required")}
	}
	args, err := op.ResolveRecordArgs(u.templates, record)
	if err != nil {
		var transformErr *gopersist.TransformError
		if errors.As(err, &transformErr) {
			return 0, err
		}
		return 0, &gopersist.ConfigurationError{Op: "sql_params", Err: err}
	}
	conn, err := u.provider.GetConnection(ctx)
	if err != nil {
		return 0, err
	}
	u.logger.Debug("executing statement", zap.String("sql", op.SQL), zap.Int("args", len(args)))
	return conn.Exec(ctx, op.SQL, args...)
}

func (u *SQLUpdater) execAll(ctx context.Context, op readers.SQLOperation, records []gopersist.Record) (int64, error) {
	var total int64
	for _, record := range records {
		n, err := u.exec(ctx, op, record)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Create executes wi with params from record.
func (u *SQLUpdater) Create(ctx context.Context, record gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	if _, err := u.exec(ctx, wi, record); err != nil {
		return nil, err
	}
	return record, nil
}

// CreateAll executes wi once per record.
func (u *SQLUpdater) CreateAll(ctx context.Context, records []gopersist.Record, wi readers.SQLOperation) ([]gopersist.Record, error) {
	if _, err := u.execAll(ctx, wi, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Replace executes wi with params from record.
func (u *SQLUpdater) Replace(ctx context.Context, record gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	return u.Create(ctx, record, wi)
}

// ReplaceAll executes wi once per record.
func (u *SQLUpdater) ReplaceAll(ctx context.Context, records []gopersist.Record, wi readers.SQLOperation) ([]gopersist.Record, error) {
	return u.CreateAll(ctx, records, wi)
}

// Update executes wi with params from record.
func (u *SQLUpdater) Update(ctx context.Context, record gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	return u.Create(ctx, record, wi)
}

// UpdateAll executes wi once per record.
func (u *SQLUpdater) UpdateAll(ctx context.Context, records []gopersist.Record, wi readers.SQLOperation) ([]gopersist.Record, error) {
	return u.CreateAll(ctx, records, wi)
}

// CreateOrReplace upserts one record. See CreateOrReplaceAll.
func (u *SQLUpdater) CreateOrReplace(ctx context.Context, record gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	if _, err := u.CreateOrReplaceAll(ctx, []gopersist.Record{record}, wi); err != nil {
		return nil, err
	}
	return record, nil
}

// CreateOrReplaceAll splits records into inserts and updates. Upsert.Select is run per
// record and the record exists when it yields a row; its first param names the unique
// field. Records sharing a unique value are written once, last one wins. A nil Insert
// or Update skips that half.
func (u *SQLUpdater) CreateOrReplaceAll(ctx context.Context, records []gopersist.Record, wi readers.SQLOperation) ([]gopersist.Record, error) {
	if wi.Upsert == nil || wi.Upsert.Select == nil || len(wi.Upsert.Select.Params) == 0 {
		return nil, &gopersist.ConfigurationError{Op: "sql_create_or_replace", Err: errors.New("upsert select with a unique param is required")}
	}
	selectOp := *wi.Upsert.Select
	unique := selectOp.Params[0].Name

	var order []string
	latest := make(map[string]gopersist.Record, len(records))
	for _, record := range records {
		key := fmt.Sprintf("%v", record[unique])
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = record
	}

	conn, err := u.provider.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	var inserts, updates []gopersist.Record
	for _, key := range order {
		record := latest[key]
		args, err := selectOp.ResolveRecordArgs(u.templates, record)
		if err != nil {
			return nil, &gopersist.ConfigurationError{Op: "sql_params", Err: err}
		}
		src, err := conn.Query(ctx, selectOp.SQL, args...)
		if err != nil {
			return nil, err
		}
		found, err := hasRow(ctx, src)
		if err != nil {
			return nil, err
		}
		if found {
			updates = append(updates, record)
		} else {
			inserts = append(inserts, record)
		}
	}

	if err := u.execAction(ctx, "insert", wi.Upsert.Insert, inserts); err != nil {
		return nil, err
	}
	if err := u.execAction(ctx, "update", wi.Upsert.Update, updates); err != nil {
		return nil, err
	}
	return records, nil
}

func hasRow(ctx context.Context, src gopersist.Source[gopersist.Record]) (bool, error) {
	_, err := src.Read(ctx)
	closeErr := src.Close()
	switch {
	case err == io.EOF:
		return false, closeErr
	case err != nil:
		return false, multierr.Append(err, closeErr)
	}
	return true, closeErr
}

func (u *SQLUpdater) execAction(ctx context.Context, action string, op *readers.SQLOperation, records []gopersist.Record) error {
	if op == nil {
		u.logger.Info("no operation for action, skipping", zap.String("action", action), zap.Int("records", len(records)))
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	n, err := u.execAll(ctx, *op, records)
	if err != nil {
		return err
	}
	u.logger.Debug("upsert action done", zap.String("action", action), zap.Int64("affected", n))
	return nil
}

// Delete executes wi with params from record.
func (u *SQLUpdater) Delete(ctx context.Context, record gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	return u.Create(ctx, record, wi)
}

// DeleteByID is unsupported: the relational backend has no implicit id column.
func (u *SQLUpdater) DeleteByID(ctx context.Context, id string, wi readers.SQLOperation) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("sql", "delete_by_id")
}

// DeleteAll executes wi once per record.
func (u *SQLUpdater) DeleteAll(ctx context.Context, records []gopersist.Record, wi readers.SQLOperation) ([]gopersist.Record, error) {
	return u.CreateAll(ctx, records, wi)
}

// UpdateOne executes wi with params from fields plus a trailing string "id" param.
func (u *SQLUpdater) UpdateOne(ctx context.Context, id string, fields gopersist.Record, wi readers.SQLOperation) (gopersist.Record, error) {
	params := fields.Copy()
	if params == nil {
		params = gopersist.Record{}
	}
	params["id"] = id

	op := wi
	op.Params = append(append([]readers.SQLParam(nil), wi.Params...), readers.SQLParam{Name: "id", Type: "string", Value: id})
	if _, err := u.exec(ctx, op, params); err != nil {
		return nil, err
	}
	return params, nil
}

// UpdateMany executes wi with params from fields and returns the affected row count.
// The query is not consulted; wi carries its own where clause.
func (u *SQLUpdater) UpdateMany(ctx context.Context, query readers.SQLOperation, fields gopersist.Record, wi readers.SQLOperation) (int64, error) {
	return u.exec(ctx, wi, fields)
}
