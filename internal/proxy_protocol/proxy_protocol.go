/*
Robin Mail Transfer Agent - SMTP server, scriptable client and delivery queue.
Copyright © 2021-2024 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package proxy_protocol accepts the PROXY protocol header from trusted
// front-end proxies so sessions see the real client address.
package proxy_protocol

import (
	"net"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"
	"github.com/robinmta/robin/framework/log"
)

type ProxyProtocol struct {
	// Networks allowed to send the PROXY header. Empty means any source is
	// trusted.
	Trust []net.IPNet
}

// NewListener wraps the listener with PROXY protocol parsing. Connections
// from untrusted sources keep their original remote address.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		if tcpAddr, ok := upstream.(*net.TCPAddr); ok {
			if len(p.Trust) == 0 {
				return true, nil
			}
			for _, trusted := range p.Trust {
				if trusted.Contains(tcpAddr.IP) {
					return true, nil
				}
			}
		} else if _, ok := upstream.(*net.UnixAddr); ok {
			// UNIX local socket connection, always trusted
			return true, nil
		}

		logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
