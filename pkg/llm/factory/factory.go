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
// Package factory creates llm.Provider instances by name.
package factory

import (
	"fmt"
	"strings"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/llm/anthropic"
	"github.com/zhisenyang/EverMemOS/pkg/llm/bedrock"
)

// Config selects and configures a provider.
type Config struct {
	// Provider names the implementation: "anthropic" (default) or
	// "bedrock".
	Provider string

	// Anthropic configures the direct-API provider.
	Anthropic anthropic.Config

	// Bedrock configures the AWS Bedrock provider.
	Bedrock bedrock.Config
}

// NewProvider creates the configured provider.
func NewProvider(cfg Config) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		return anthropic.NewClient(cfg.Anthropic)
	case "bedrock":
		return bedrock.NewClient(cfg.Bedrock)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want anthropic or bedrock)", cfg.Provider)
	}
}
