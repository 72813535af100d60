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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/gopersist"
)

func TestVariableReader(t *testing.T) {
	vars := NewVariables()
	vars.Set("user", gopersist.Record{"id": 1})
	vars.Set("users", []gopersist.Record{{"id": 1}, {"id": 2}, {"id": 3}})
	vars.Set("decoded", []interface{}{map[string]interface{}{"id": "a"}})
	vars.Set("scalar", 42)
	ctx := WithVariables(context.Background(), vars)
	reader := NewVariableReader()

	t.Run("find one of a record", func(t *testing.T) {
		rec, err := reader.FindOne(ctx, "user", nil)
		require.NoError(t, err)
		assert.Equal(t, gopersist.Record{"id": 1}, rec)
	})

	t.Run("find one of a list is its head", func(t *testing.T) {
		rec, err := reader.FindOne(ctx, "users", nil)
		require.NoError(t, err)
		assert.Equal(t, gopersist.Record{"id": 1}, rec)
	})

	t.Run("absent key", func(t *testing.T) {
		rec, err := reader.FindOne(ctx, "nobody", nil)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("decoded json list", func(t *testing.T) {
		recs, err := reader.FindAll(ctx, "decoded", nil)
		require.NoError(t, err)
		assert.Equal(t, []gopersist.Record{{"id": "a"}}, recs)
	})

	t.Run("non record value", func(t *testing.T) {
		_, err := reader.FindAll(ctx, "scalar", nil)
		var cfgErr *gopersist.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("batches", func(t *testing.T) {
		it, err := reader.FindBatch(ctx, 2, "users", nil)
		require.NoError(t, err)
		sizes, _ := batchSizes(t, it)
		assert.Equal(t, []int{2, 1}, sizes)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := reader.Count(ctx, "users", nil)
		assert.True(t, gopersist.IsUnsupported(err))
		_, err = reader.FindPage(ctx, gopersist.PageRequest{PageNum: 1, PageSize: 1}, "users", nil)
		assert.True(t, gopersist.IsUnsupported(err))
		_, err = reader.Distinct(ctx, "users", nil)
		assert.True(t, gopersist.IsUnsupported(err))
	})
}

func TestVariableReader_NoStoreInContext(t *testing.T) {
	_, err := NewVariableReader().FindAll(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNoVariables)
}
