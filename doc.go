/*
Package evserver is an embeddable event-driven HTTP/1.x server core for Go.

A single reactor goroutine multiplexes readiness over epoll (Linux) or
kqueue (BSD/macOS). Every connection is armed one-shot, and all socket I/O,
TLS handshakes, parsing and application callbacks run on a fixed worker
pool. Large responses leave through sendfile(2) on plaintext connections
and from a memory mapping on TLS connections.

Quick Start

	package main

	import (
	    "context"

	    "github.com/searchktools/evserver/app"
	    "github.com/searchktools/evserver/config"
	    "github.com/searchktools/evserver/core/http"
	)

	func main() {
	    application := app.New(config.New())

	    application.Mux().GET("/hello", func(req *http.Request, resp *http.Response) {
	        resp.String(200, "Hello, World!")
	    })

	    application.Run(context.Background())
	}

Modules

  - app: application lifecycle, signals, session housekeeping
  - config: flag, environment and JSON file configuration
  - core: the reactor and its Handler contract
  - core/poller: epoll/kqueue, wakeup and timer descriptors
  - core/conn: plaintext and TLS channels, connections, the connection table
  - core/buffer: transmit buffers with zero-copy file attachments
  - core/timer: indexed expiry heap
  - core/pools: task pool and byte pool
  - core/http: incremental request parser, responses, routing
  - core/session: expiring server-side sessions
*/
package evserver
