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

package channelinfo

import (
	"context"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// StaticProvider reads a fixed list of channels from a YAML file once, at
// construction time. Suitable for a single-station recorder with a hand
// maintained channel list.
type StaticProvider struct {
	channels []ChannelInfo
}

// NewStaticProvider reads and parses the channel list at path.
func NewStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("channelinfo: reading %q: %w", path, err)
	}
	var doc struct {
		Channels []ChannelInfo `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("channelinfo: parsing %q: %w", path, err)
	}
	return &StaticProvider{channels: doc.Channels}, nil
}

// Channels returns the file's channel list. ctx is accepted to satisfy
// Provider but is never consulted.
func (p *StaticProvider) Channels(_ context.Context) ([]ChannelInfo, error) {
	return p.channels, nil
}
