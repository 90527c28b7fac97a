// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangleItanium(t *testing.T) {
	// _Z3fooi -> foo(int)
	got := Demangle("_Z3fooi")
	assert.Equal(t, "foo(int)", got)
}

func TestDemanglePassthroughUnknown(t *testing.T) {
	got := Demangle("plain_c_symbol")
	assert.Equal(t, "plain_c_symbol", got)
}

func TestStripRustHash(t *testing.T) {
	got := stripRustHash("mycrate::myfunc::h0123456789abcdef")
	assert.Equal(t, "mycrate::myfunc", got)

	unchanged := stripRustHash("mycrate::myfunc")
	assert.Equal(t, "mycrate::myfunc", unchanged)
}
