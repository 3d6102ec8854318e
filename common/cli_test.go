// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(t, IsUsageError(errors.New("requires at least 1 arg(s), received 0")))
	require.True(t, IsUsageError(fmt.Errorf("failed to load config file 'x.toml': %w", errors.New("nope"))))
	require.False(t, IsUsageError(errors.New("connmgr: all 2 routes to chat failed")))
}

func TestExitError(t *testing.T) {
	inner := errors.New("unreachable")
	err := fmt.Errorf("probe: %w", &ExitError{Code: 2, Err: inner})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.Code)
	require.ErrorIs(t, err, inner)
}
