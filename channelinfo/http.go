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
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider polls a remote channel-directory endpoint on every call,
// the way fbclock's daemon polls a peer's stats endpoint for grandmaster
// candidates instead of caching a static list.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider builds a provider polling url, which must answer with a
// JSON body of the form {"channels": [...]}.
func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{url: url, client: &http.Client{Timeout: timeout}}
}

// Channels fetches and decodes the channel list from the configured URL.
func (p *HTTPProvider) Channels(ctx context.Context) ([]ChannelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channelinfo: fetching %q: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channelinfo: %q returned status %d", p.url, resp.StatusCode)
	}

	var doc struct {
		Channels []ChannelInfo `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("channelinfo: decoding response from %q: %w", p.url, err)
	}
	return doc.Channels, nil
}
