// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package util

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/jinzhu/copier"
)

// ConfigWithDefaults returns a copy of conf with every unset field taken from
// defaults. Configuration structs use pointer fields so that an explicit zero
// value (a disabled flag, a zero timeout) survives the merge. A nil conf
// yields a copy of defaults. The caller's conf is never modified.
func ConfigWithDefaults[T any](conf, defaults *T) (*T, error) {
	var merged T
	if conf != nil {
		if err := copier.Copy(&merged, conf); err != nil {
			return nil, fmt.Errorf("failed to copy configuration: %w", err)
		}
	}

	if err := mergo.Merge(&merged, defaults, mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to merge default configuration: %w", err)
	}

	return &merged, nil
}
