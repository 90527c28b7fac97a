// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import "github.com/antimetal/vmi/pkg/vmerr"

func missingSymbol(name string) error {
	return vmerr.MissingSymbolError(name)
}

func missingStruct(name string) error {
	return vmerr.MissingModuleError(name)
}
