// Package client provides the `xs` command-line client.
//
// The CLI talks to the xs HTTP gateway. Snapshot reads and single-frame
// operations use REST; followed reads use the WebSocket endpoint.
//
// # Address configuration
//
// The base URL comes from the embedding application via a BaseURLFunc.
// The standalone binary reads --addr or XS_ADDR and defaults to
// http://127.0.0.1:7755.
//
// Usage
//
//	xs append orders --data '{"id":1}' --meta '{"source":"cli"}'
//	echo hi | xs append notes --data - --ttl head:10
//
//	xs cat --topic orders --limit 10
//	xs cat --follow --threshold
//	xs cat -f --pulse 1000 --filter 'topic.startsWith("orders")'
//
//	xs head orders
//	xs get 03BIDZVKNOTGJPVUEW3K23G45
//	xs remove 03BIDZVKNOTGJPVUEW3K23G45
//
//	xs cas put --data hello
//	xs cas get sha256-LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=
//
//	xs context create --meta '{"name":"scratch"}'
//	xs workers
package client
