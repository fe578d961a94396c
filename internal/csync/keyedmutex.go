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
package csync

import "sync"

// KeyedMutex serializes work per key while leaving distinct keys
// independent. Mutexes are created lazily and kept for the lifetime of the
// KeyedMutex; the expected key population (user ids) is small and bounded.
type KeyedMutex[K comparable] struct {
	locks *Map[K, *sync.Mutex]
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: NewMap[K, *sync.Mutex]()}
}

// Lock acquires the mutex for key and returns its unlock function.
//
//	defer km.Lock(userID)()
func (km *KeyedMutex[K]) Lock(key K) func() {
	mu := km.locks.GetOrSet(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}
