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

package monitoring

// Balance is the sum of the signed quantities of ops.
func Balance(ops []ResourceOperation) int64 {
	var sum int64
	for _, op := range ops {
		sum += op.Quantity
	}
	return sum
}

// ApplyOperation returns the balance after op has been recorded on top of before.
func ApplyOperation(before int64, op ResourceOperation) int64 {
	return before + op.Quantity
}

// BalanceOf sums the operations of a single resource out of a mixed history.
func BalanceOf(resourceID int64, ops []ResourceOperation) int64 {
	var sum int64
	for _, op := range ops {
		if op.ResourceID == resourceID {
			sum += op.Quantity
		}
	}
	return sum
}
