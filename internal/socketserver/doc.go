// Package socketserver serves a line-oriented command shell over Unix
// domain sockets, TCP and WebSocket endpoints.
//
// # Architecture
//
//   - Server: owns the listener, the accept loop, the live clients, the
//     command registry and the default environment
//   - Client: one goroutine per connection that frames input into lines,
//     evaluates them and answers with the output followed by the prompt
//   - Process: the context a command runs with for one pipeline stage
//
// # Protocol
//
// Clients send newline terminated lines and receive the output followed by
// PROMPT. An empty line only redraws the prompt. Lines may contain
// "${NAME}" variable references, "$(command)" substitutions and "|" pipes:
//
//	sum 1 2 3            -> 6\n?>
//	set X hello          -> \n?>
//	echo ${X} | wc       -> 5\n?>
//
// # Usage
//
//	srv, err := socketserver.NewServer(socketserver.WithMaxConnections(8))
//	if err != nil {
//	    return err
//	}
//	srv.AddCommand("sum", func(p *socketserver.Process) int {
//	    ...
//	})
//	if err := srv.Start("/run/user/1000/sockshell.sock"); err != nil {
//	    return err
//	}
//	defer srv.Disconnect()
//
// Commands and hooks run on the client's goroutine. They must not call
// Server.Disconnect or Server.Broadcast, which wait for every client.
package socketserver
