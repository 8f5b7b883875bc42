// Copyright 2023 UMH Systems GmbH
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

package internal

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// fieldSeparator cannot occur in any of the hashed parts, so ("ab","c") and ("a","bc") hash differently.
const fieldSeparator = 0x1f

// AsXXHash returns the 128-bit xxh3 hash of the inputs as 16 little-endian bytes.
func AsXXHash(inputs ...[]byte) []byte {
	h := xxh3.New()
	for i, input := range inputs {
		if i > 0 {
			if _, err := h.Write([]byte{fieldSeparator}); err != nil {
				zap.S().Errorf("Unable to write to hash: %v", err)
			}
		}
		_, err := h.Write(input)
		if err != nil {
			zap.S().Errorf("Unable to write to hash: %v", err)
		}
	}

	return Uint128ToBytes(h.Sum128())
}

// AsXXHashStrings is AsXXHash over string parts.
func AsXXHashStrings(parts ...string) []byte {
	inputs := make([][]byte, len(parts))
	for i, p := range parts {
		inputs[i] = []byte(p)
	}
	return AsXXHash(inputs...)
}

func Uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
