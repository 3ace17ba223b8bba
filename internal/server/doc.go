// Package server assembles the HTTP surface of the zScanner backend: the REST
// routes, the resumable upload gateway and the Prometheus endpoint behind one
// multiplexer.
//
// Every request passes the same chain: request id, request logging, metrics,
// panic recovery, security headers, CORS, rate limiting and client
// authentication. JSON routes are gzip-compressed when the client accepts it.
package server
