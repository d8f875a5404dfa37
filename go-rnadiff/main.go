// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/rnadiff/rnadiff"

func main() {
	rnadiff.Main()
}
