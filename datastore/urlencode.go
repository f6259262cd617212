// Copyright (c) 2021 MacEwan University. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package datastore

import "net/url"

// urlEncode applies the same escaping rules spec.md uses for derived keys
// (ContextID, the platformCode cookie name) everywhere in this package.
func urlEncode(s string) string {
	return url.QueryEscape(s)
}
