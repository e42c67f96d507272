// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package amq

// RaceEnabled is true when the race detector is active.
// Used by tests to skip concurrent protocol tests: the drainer's view of
// payload bytes is ordered by the ready counter, a happens-before edge the
// detector cannot observe on the loopback substrate.
const RaceEnabled = true
