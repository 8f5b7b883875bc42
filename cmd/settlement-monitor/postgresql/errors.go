// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgresql

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

// classify maps a pgx error onto the monitoring error sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", monitoring.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.LockNotAvailable,
			pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s: %w", monitoring.ErrConcurrentConflict, op, err)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s: %w", monitoring.ErrNotFound, op, err)
		case pgerrcode.CheckViolation:
			return fmt.Errorf("%w: %s: %w", monitoring.ErrInvariantViolation, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", monitoring.ErrStorageFailure, op, err)
}
