//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

// EngineOption holds specific configurations for the V8 engine.
type EngineOption struct{}

// Option configures a V8 engine during construction.
type Option func(*Engine) error
