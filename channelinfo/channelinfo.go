/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package channelinfo resolves which RTP multicast sources to record and
// what they carry. The receiver itself never needs to know where this
// comes from, so the boundary is a small interface with two concrete
// adapters: a static YAML file and an HTTP endpoint to poll.
package channelinfo

import "context"

// ChannelInfo describes one multicast RTP source available to record.
type ChannelInfo struct {
	Name        string  `yaml:"name" json:"name"`
	SSRC        uint32  `yaml:"ssrc" json:"ssrc"`
	Multicast   string  `yaml:"multicast" json:"multicast"`
	Port        int     `yaml:"port" json:"port"`
	FrequencyHz float64 `yaml:"frequency_hz" json:"frequency_hz"`
	SampleRate  uint32  `yaml:"sample_rate" json:"sample_rate"`
}

// Provider resolves the current set of recordable channels. Implementations
// may read a static file once or poll a remote source on every call.
type Provider interface {
	Channels(ctx context.Context) ([]ChannelInfo, error)
}
