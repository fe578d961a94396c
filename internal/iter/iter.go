// Copyright 2026 The EverMemOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package iter declares the sequence types of the standard library's iter
// package (Go 1.23+) so the module builds with toolchains that predate it.
// The definitions are identical to the standard library's; callers invoke
// the returned functions with an explicit yield callback.
package iter

// Seq is a sequence of individual values. When called as seq(yield), seq
// calls yield(v) for each value v in the sequence, stopping early if yield
// returns false.
type Seq[V any] func(yield func(V) bool)

// Seq2 is a sequence of pairs of values, most commonly key-value pairs.
// When called as seq(yield), seq calls yield(k, v) for each pair (k, v) in
// the sequence, stopping early if yield returns false.
type Seq2[K, V any] func(yield func(K, V) bool)
