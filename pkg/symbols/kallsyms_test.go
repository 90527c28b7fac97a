// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"testing"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKallsyms(t *testing.T) {
	data := []byte(
		"ffffffff81000000 T startup_64\n" +
			"ffffffff81000010 t local_helper\n" +
			"ffffffff82000000 D some_data\n" +
			"ffffffff83000000 W weak_ignored\n",
	)

	m, err := LoadKallsyms(data)
	require.NoError(t, err)

	a, ok := m.GetAddress("startup_64")
	require.True(t, ok)
	assert.Equal(t, addr.GuestVirtAddr(0xffffffff81000000), a)

	_, ok = m.GetAddress("weak_ignored")
	assert.False(t, ok, "weak symbols should be filtered out")

	_, ok = m.GetAddress("some_data")
	assert.True(t, ok)
}
