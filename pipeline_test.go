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

package gopersist

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferBuilder_Validation(t *testing.T) {
	_, err := NewTransfer[string, string]().To(&memAppender{}, "x").Build()
	assert.Error(t, err)

	_, err = NewTransfer[string, string]().From(&memReader{}, "", nil).Build()
	assert.Error(t, err)

	_, err = NewTransfer[string, string]().
		From(&memReader{}, "", nil).
		To(&memAppender{}, "x").
		BatchSize(0).
		Build()
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestTransfer_ConvertFilterWrite(t *testing.T) {
	appender := &memAppender{}
	transfer, err := NewTransfer[string, string]().
		From(&memReader{records: people(10)}, "", nil).
		BatchSize(4).
		Convert(&upperConverter{}).
		Where(func(ctx context.Context, r Record) (bool, error) {
			return r["team"] == "blue", nil
		}).
		To(appender, "people").
		Build()
	require.NoError(t, err)

	stats, err := transfer.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TransferStats{Batches: 3, Read: 10, Filtered: 5, Written: 5}, stats)

	written := appender.all()
	require.Len(t, written, 5)
	for _, r := range written {
		assert.Equal(t, "PERSON", r["name"])
		assert.Equal(t, "blue", r["team"])
	}
}

// blueOnly is a converter that shrinks the batch.
type blueOnly struct{}

func (blueOnly) Convert(ctx context.Context, record Record) (Record, error) {
	return record, nil
}

func (blueOnly) ConvertAll(ctx context.Context, records []Record) ([]Record, error) {
	var out []Record
	for _, r := range records {
		if r["team"] == "blue" {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestTransfer_ConvertersRunInOrder(t *testing.T) {
	appender := &memAppender{}
	upper := &upperConverter{}
	transfer, err := NewTransfer[string, string]().
		From(&memReader{records: people(10)}, "", nil).
		Convert(blueOnly{}).
		Convert(upper).
		Convert(nil).
		To(appender, "people").
		Build()
	require.NoError(t, err)

	stats, err := transfer.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Written)
	assert.Equal(t, 5, upper.calls)
	assert.Equal(t, "PERSON", appender.all()[0]["name"])
}

func TestTransfer_ErrorStrategies(t *testing.T) {
	failSecond := func() func([]Record) bool {
		calls := 0
		return func([]Record) bool {
			calls++
			return calls == 2
		}
	}

	tests := []struct {
		name        string
		strategy    ErrorStrategy
		wantErr     bool
		wantWritten int
		wantFailed  int
	}{
		{"fail fast", FailFast, true, 3, 3},
		{"skip errors", SkipErrors, false, 6, 3},
		{"collect errors", CollectErrors, true, 6, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appender := &memAppender{failOn: failSecond()}
			transfer, err := NewTransfer[string, string]().
				From(&memReader{records: people(9)}, "", nil).
				BatchSize(3).
				To(appender, "people").
				WithErrorStrategy(tt.strategy).
				Build()
			require.NoError(t, err)

			stats, err := transfer.Execute(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantWritten, stats.Written)
			assert.Equal(t, tt.wantFailed, stats.Failed)
		})
	}
}

func TestTransfer_ErrorHandlerSwallows(t *testing.T) {
	var handled []int
	transfer, err := NewTransfer[string, string]().
		From(&memReader{records: people(4)}, "", nil).
		BatchSize(2).
		Convert(&upperConverter{fail: true}).
		To(&memAppender{}, "people").
		WithErrorHandler(ErrorHandlerFunc(func(ctx context.Context, batch []Record, err error) error {
			var tErr *TransformError
			if errors.As(err, &tErr) {
				handled = append(handled, len(batch))
				return nil
			}
			return err
		})).
		Build()
	require.NoError(t, err)

	stats, err := transfer.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, handled)
	assert.Equal(t, 0, stats.Written)
	assert.Equal(t, 4, stats.Failed)
}

func TestTransfer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transfer, err := NewTransfer[string, string]().
		From(&memReader{records: people(4)}, "", nil).
		To(&memAppender{}, "people").
		Build()
	require.NoError(t, err)

	_, err = transfer.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
