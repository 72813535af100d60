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
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/tenant"
)

func newMockReader(t *testing.T) (*SQLReader, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	reader, err := NewSQLReader(tenant.Static(NewPgxConn(mock)))
	require.NoError(t, err)
	return reader, mock
}

var selectByTeam = SQLOperation{
	SQL:    "select id, name from people where team = $1",
	Params: []SQLParam{{Name: "team", Type: "string", Value: "blue"}},
}

func TestSQLReader_FindAll(t *testing.T) {
	reader, mock := newMockReader(t)

	rows := pgxmock.NewRows([]string{"id", "name"}).
		AddRow(int32(1), "ada").
		AddRow(int32(2), "grace")
	mock.ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("red").WillReturnRows(rows)

	records, err := reader.FindAll(context.Background(), selectByTeam, gopersist.Params{"team": "red"})
	require.NoError(t, err)
	assert.Equal(t, []gopersist.Record{
		{"id": int64(1), "name": "ada"},
		{"id": int64(2), "name": "grace"},
	}, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLReader_FindOne(t *testing.T) {
	t.Run("first row", func(t *testing.T) {
		reader, mock := newMockReader(t)
		rows := pgxmock.NewRows([]string{"id"}).AddRow(int64(7)).AddRow(int64(8))
		mock.ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("blue").WillReturnRows(rows)

		record, err := reader.FindOne(context.Background(), selectByTeam, nil)
		require.NoError(t, err)
		assert.Equal(t, gopersist.Record{"id": int64(7)}, record)
	})

	t.Run("absent", func(t *testing.T) {
		reader, mock := newMockReader(t)
		mock.ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("blue").
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		record, err := reader.FindOne(context.Background(), selectByTeam, nil)
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestSQLReader_FindPage(t *testing.T) {
	reader, mock := newMockReader(t)

	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from (" + selectByTeam.SQL + ") countingQuery")).
		WithArgs("blue").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(25)))
	mock.ExpectQuery(regexp.QuoteMeta("select * from (" + selectByTeam.SQL + ") pagedQuery limit $2 offset $3")).
		WithArgs("blue", 10, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))

	page, err := reader.FindPage(context.Background(), gopersist.PageRequest{PageNum: 2, PageSize: 10}, selectByTeam, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.TotalRecords)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasNextPage())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLReader_Count(t *testing.T) {
	reader, mock := newMockReader(t)
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from (" + selectByTeam.SQL + ") countingQuery")).
		WithArgs("blue").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := reader.Count(context.Background(), selectByTeam, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestSQLReader_FindBatch(t *testing.T) {
	reader, mock := newMockReader(t)

	rows := pgxmock.NewRows([]string{"id"})
	for i := 1; i <= 5; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("blue").WillReturnRows(rows)

	it, err := reader.FindBatch(context.Background(), 2, selectByTeam, nil)
	require.NoError(t, err)

	var sizes []int
	err = gopersist.ForEachBatch[gopersist.Record](context.Background(), it, func(_ int, batch []gopersist.Record) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestSQLReader_QueryFailureIsConnectivityError(t *testing.T) {
	reader, mock := newMockReader(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("blue").WillReturnError(errors.New("connection reset"))

	_, err := reader.FindAll(context.Background(), selectByTeam, nil)
	var connErr *gopersist.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "sql", connErr.Backend)
}

func TestSQLReader_RoutesByTenant(t *testing.T) {
	pools := map[string]pgxmock.PgxPoolIface{}
	for _, id := range []string{"acme", "globex"} {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		pools[id] = mock
	}
	provider, err := tenant.NewMultiTenantProvider(func(ctx context.Context, id string, ok bool) (SQLConn, error) {
		pool, found := pools[id]
		if !ok || !found {
			return nil, errors.New("unknown tenant")
		}
		return NewPgxConn(pool), nil
	})
	require.NoError(t, err)

	reader, err := NewSQLReader(provider)
	require.NoError(t, err)

	pools["globex"].ExpectQuery(regexp.QuoteMeta(selectByTeam.SQL)).WithArgs("blue").
		WillReturnRows(pgxmock.NewRows([]string{"tenant"}).AddRow("globex"))

	ctx := tenant.WithTenant(context.Background(), "globex")
	records, err := reader.FindAll(ctx, selectByTeam, nil)
	require.NoError(t, err)
	assert.Equal(t, []gopersist.Record{{"tenant": "globex"}}, records)
	require.NoError(t, pools["globex"].ExpectationsWereMet())
	require.NoError(t, pools["acme"].ExpectationsWereMet())

	_, err = reader.FindAll(context.Background(), selectByTeam, nil)
	assert.Error(t, err)
}

func TestSQLOperation_ResolveArgs(t *testing.T) {
	op := SQLOperation{Params: []SQLParam{
		{Name: "age", Type: "integer"},
		{Name: "active", Type: "boolean"},
		{Name: "score", Type: "double"},
		{Name: "missing", Value: "fallback"},
	}}

	args, err := op.ResolveQueryArgs(gopersist.Params{"age": "41", "active": "true", "score": 2.5})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{41, true, 2.5, "fallback"}, args)

	_, err = op.ResolveQueryArgs(gopersist.Params{"age": "forty"})
	assert.Error(t, err)

	templated := SQLOperation{Params: []SQLParam{{Name: "{{.first}} {{.last}}", NameTemplate: true}, {Name: "id", Type: "long"}}}
	args, err = templated.ResolveRecordArgs(engine.NewTemplateEngine(), gopersist.Record{"first": "Ada", "last": "Lovelace", "id": "9"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Ada Lovelace", int64(9)}, args)
}

func TestConvertSQLValue(t *testing.T) {
	assert.Equal(t, "abc", convertSQLValue([]byte("abc"), "VARCHAR"))
	assert.Equal(t, []byte{1, 2}, convertSQLValue([]byte{1, 2}, "BYTEA"))
	assert.Equal(t, int64(3), convertSQLValue(int32(3), "INT4"))
	assert.Equal(t, "ok", convertSQLValue("ok", "TEXT"))
}
