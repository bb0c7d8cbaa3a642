// Copyright 2024 The Tessera authors. All Rights Reserved.
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

package lamport

import "testing"

func TestTickMonotonic(t *testing.T) {
	var c Clock
	prev := c.Current()
	for i := 0; i < 5; i++ {
		next := c.Tick()
		if next <= prev {
			t.Fatalf("Tick() = %d, want > %d", next, prev)
		}
		prev = next
	}
}

func TestUpdateExceedsBothInputs(t *testing.T) {
	testCases := []struct {
		start    uint64
		received uint64
	}{
		{start: 0, received: 0},
		{start: 5, received: 2},
		{start: 2, received: 5},
		{start: 9, received: 9},
	}
	for _, tc := range testCases {
		c := Clock{t: tc.start}
		got := c.Update(tc.received)
		if got <= tc.start {
			t.Errorf("Update(%d) from %d = %d, want > %d", tc.received, tc.start, got, tc.start)
		}
		if got <= tc.received {
			t.Errorf("Update(%d) from %d = %d, want > %d", tc.received, tc.start, got, tc.received)
		}
	}
}

func TestNewClockResumesFromPersistedValue(t *testing.T) {
	c := NewClock(41)
	if got := c.Current(); got != 41 {
		t.Fatalf("Current() = %d, want 41", got)
	}
	if got := c.Tick(); got != 42 {
		t.Fatalf("Tick() = %d, want 42", got)
	}
}

func TestHappenedBefore(t *testing.T) {
	if !HappenedBefore(1, 2) {
		t.Errorf("HappenedBefore(1, 2) = false, want true")
	}
	if HappenedBefore(2, 1) {
		t.Errorf("HappenedBefore(2, 1) = true, want false")
	}
	if HappenedBefore(2, 2) {
		t.Errorf("HappenedBefore(2, 2) = true, want false")
	}
}
