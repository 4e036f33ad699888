// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Params prints the hyperparameters of the checkpoints, one column per checkpoint.
// Rows whose values differ across checkpoints are highlighted.
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(ctxs) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Headers(headers...)

	type scopeKey struct{ Scope, Key string }
	keysSet := sets.Make[scopeKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			keysSet.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	keys := make([]scopeKey, 0, len(keysSet))
	for k := range keysSet {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	for _, k := range keys {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = k.Scope, k.Key
		for ii, ctx := range ctxs {
			value, found := ctx.InAbsPath(k.Scope).GetParam(k.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.AddRow(!allEqual(row[3:]), row...)
	}
	fmt.Println(table.Render())
}
