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

package readers

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
)

// SQLParam binds one positional parameter ($1, $2, ...) in SQLOperation order.
// Readers take the value from the call params by Name, falling back to Value.
// Writers take it from the record; with NameTemplate the Name is a template
// rendered against the record instead of a field name.
type SQLParam struct {
	Name         string      `json:"name" yaml:"name"`
	Type         string      `json:"type,omitempty" yaml:"type,omitempty"`
	Value        interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	NameTemplate bool        `json:"nameTemplate,omitempty" yaml:"nameTemplate,omitempty"`
}

// SQLUpsert splits CreateOrReplace into a lookup by the first Select param and
// separate insert and update statements.
type SQLUpsert struct {
	Select *SQLOperation `json:"select,omitempty" yaml:"select,omitempty"`
	Insert *SQLOperation `json:"insert,omitempty" yaml:"insert,omitempty"`
	Update *SQLOperation `json:"update,omitempty" yaml:"update,omitempty"`
}

// SQLOperation is both the query and the write instruction of the relational backend.
type SQLOperation struct {
	SQL    string     `json:"sql" yaml:"sql"`
	Params []SQLParam `json:"params,omitempty" yaml:"params,omitempty"`
	Upsert *SQLUpsert `json:"upsert,omitempty" yaml:"upsert,omitempty"`
}

// ResolveQueryArgs builds the positional arguments for a read.
func (op SQLOperation) ResolveQueryArgs(params gopersist.Params) ([]interface{}, error) {
	args := make([]interface{}, 0, len(op.Params))
	for _, p := range op.Params {
		value, ok := params[p.Name]
		if !ok {
			value = p.Value
		}
		coerced, err := coerceSQLParam(value, p.Type)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		args = append(args, coerced)
	}
	return args, nil
}

// ResolveRecordArgs builds the positional arguments for a write of record.
func (op SQLOperation) ResolveRecordArgs(templates *engine.TemplateEngine, record gopersist.Record) ([]interface{}, error) {
	args := make([]interface{}, 0, len(op.Params))
	for _, p := range op.Params {
		var value interface{}
		switch {
		case p.NameTemplate:
			if templates == nil {
				return nil, fmt.Errorf("param %s: name template needs a template engine", p.Name)
			}
			rendered, err := templates.Render(p.Name, record)
			if err != nil {
				return nil, &gopersist.TransformError{Op: "template", Err: fmt.Errorf("param %s: %w", p.Name, err)}
			}
			value = rendered
		default:
			v, ok := record[p.Name]
			if !ok {
				v = p.Value
			}
			value = v
		}
		coerced, err := coerceSQLParam(value, p.Type)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		args = append(args, coerced)
	}
	return args, nil
}

// coerceSQLParam converts string values to the declared type. Non-string values pass through.
func coerceSQLParam(value interface{}, typeName string) (interface{}, error) {
	s, isString := value.(string)
	if value == nil || !isString {
		return value, nil
	}
	switch strings.ToLower(typeName) {
	case "", "string", "text", "varchar", "uuid":
		return s, nil
	case "int", "integer", "short", "smallint":
		return strconv.Atoi(strings.TrimSpace(s))
	case "long", "bigint":
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case "double", "float", "numeric":
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case "bool", "boolean":
		return strconv.ParseBool(strings.TrimSpace(s))
	case "timestamp", "date":
		return time.Parse(time.RFC3339, strings.TrimSpace(s))
	default:
		return nil, fmt.Errorf("unrecognized param type %q", typeName)
	}
}

// SQLConn is the connection a relational reader or updater runs statements on.
type SQLConn interface {
	Query(ctx context.Context, query string, args ...interface{}) (gopersist.Source[gopersist.Record], error)
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	Close() error
}

// PgxPool is the subset of *pgxpool.Pool the pgx adapter needs. pgxmock pools satisfy it.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close()
}

// OpenPostgres opens a database/sql handle with the lib/pq driver and pings it.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*sql.DB, error) {
	if dsn == "" {
		return nil, &gopersist.ConfigurationError{Op: "postgres", Err: fmt.Errorf("dsn is required")}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "connect", Err: err}
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "ping", Err: err}
	}
	return db, nil
}

// OpenPgxPool opens a pgx connection pool.
func OpenPgxPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "connect", Err: err}
	}
	return pool, nil
}

type sqlDBConn struct {
	db         *sql.DB
	bufferPool sync.Pool
}

// NewSQLDBConn adapts a database/sql handle.
func NewSQLDBConn(db *sql.DB) SQLConn {
	return &sqlDBConn{db: db}
}

func (c *sqlDBConn) Query(ctx context.Context, query string, args ...interface{}) (gopersist.Source[gopersist.Record], error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "query", Err: err}
	}
	columnNames, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "columns", Err: err}
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "column_types", Err: err}
	}
	r := &sqlRows{conn: c, rows: rows, columnNames: columnNames, columnTypes: columnTypes}
	r.prepareScanBuffers()
	return r, nil
}

func (c *sqlDBConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &gopersist.ConnectivityError{Backend: "sql", Op: "exec", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *sqlDBConn) Close() error {
	return c.db.Close()
}

// sqlRows streams a database/sql result set as records.
type sqlRows struct {
	conn        *sqlDBConn
	rows        *sql.Rows
	columnNames []string
	columnTypes []*sql.ColumnType
	scanBuffer  []interface{}
	values      []interface{}
	done        bool
}

// prepareScanBuffers prepares the buffers needed for scanning SQL rows
func (r *sqlRows) prepareScanBuffers() {
	numCols := len(r.columnNames)
	if pooled := r.conn.bufferPool.Get(); pooled != nil {
		if buf, ok := pooled.(*[]interface{}); ok && len(*buf) >= numCols {
			r.scanBuffer = (*buf)[:numCols]
			r.values = make([]interface{}, numCols)
			for i := range r.scanBuffer {
				r.scanBuffer[i] = &r.values[i]
			}
			return
		}
	}
	r.scanBuffer = make([]interface{}, numCols)
	r.values = make([]interface{}, numCols)
	for i := range r.scanBuffer {
		r.scanBuffer[i] = &r.values[i]
	}
}

func (r *sqlRows) Read(ctx context.Context) (gopersist.Record, error) {
	if r.done || r.rows == nil {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.rows.Next() {
		r.done = true
		if err := r.rows.Err(); err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "read", Err: err}
		}
		return nil, io.EOF
	}
	if err := r.rows.Scan(r.scanBuffer...); err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "scan", Err: err}
	}

	record := make(gopersist.Record, len(r.columnNames))
	for i, name := range r.columnNames {
		if r.values[i] == nil {
			record[name] = nil
			continue
		}
		record[name] = convertSQLValue(r.values[i], r.columnTypes[i].DatabaseTypeName())
	}
	return record, nil
}

func (r *sqlRows) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	if r.scanBuffer != nil {
		r.conn.bufferPool.Put(&r.scanBuffer)
		r.scanBuffer = nil
		r.values = nil
	}
	return err
}

// convertSQLValue converts SQL driver values to plain Go types.
func convertSQLValue(value interface{}, dbType string) interface{} {
	if b, ok := value.([]byte); ok {
		switch dbType {
		case "TEXT", "VARCHAR", "CHAR", "BPCHAR", "NUMERIC", "UUID", "JSON", "JSONB":
			return string(b)
		default:
			return b
		}
	}

	switch v := value.(type) {
	case time.Time, bool, int64, float64, string:
		return v
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
			return rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint())
		case reflect.Float32:
			return rv.Float()
		default:
			return fmt.Sprintf("%v", v)
		}
	}
}

type pgxConn struct {
	pool PgxPool
}

// NewPgxConn adapts a pgx pool.
func NewPgxConn(pool PgxPool) SQLConn {
	return &pgxConn{pool: pool}
}

func (c *pgxConn) Query(ctx context.Context, query string, args ...interface{}) (gopersist.Source[gopersist.Record], error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "query", Err: err}
	}
	return &pgxRows{rows: rows}, nil
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, &gopersist.ConnectivityError{Backend: "sql", Op: "exec", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Close() error {
	c.pool.Close()
	return nil
}

// pgxRows streams a pgx result set as records.
type pgxRows struct {
	rows pgx.Rows
	done bool
}

func (r *pgxRows) Read(ctx context.Context) (gopersist.Record, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.rows.Next() {
		r.done = true
		err := r.rows.Err()
		r.rows.Close()
		if err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "read", Err: err}
		}
		return nil, io.EOF
	}
	values, err := r.rows.Values()
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "sql", Op: "scan", Err: err}
	}
	fields := r.rows.FieldDescriptions()
	record := make(gopersist.Record, len(fields))
	for i, fd := range fields {
		if i < len(values) {
			record[fd.Name] = convertPgxValue(values[i])
		}
	}
	return record, nil
}

func (r *pgxRows) Close() error {
	r.rows.Close()
	r.done = true
	return nil
}

// convertPgxValue flattens pgx-specific types into plain Go values.
func convertPgxValue(value interface{}) interface{} {
	switch v := value.(type) {
	case [16]byte:
		return uuid.UUID(v).String()
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
