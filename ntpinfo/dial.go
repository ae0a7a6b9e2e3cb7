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

package ntpinfo

import (
	"fmt"
	"net"
	"os"
	"path"
)

// chronyConn is a unixgram socket bound to a private, per-process local
// address, required since chronyd replies to whatever address the request
// came from.
type chronyConn struct {
	net.Conn
	local string
}

func dialUnix(address string) (*chronyConn, error) {
	base, _ := path.Split(address)
	local := path.Join(base, fmt.Sprintf("hf-timestd.%d.sock", os.Getpid()))
	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: address, Net: "unixgram"},
	)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(local, 0o666); err != nil {
		return nil, err
	}
	return &chronyConn{Conn: conn, local: local}, nil
}

func (c *chronyConn) Close() error {
	_ = os.RemoveAll(c.local)
	return c.Conn.Close()
}
