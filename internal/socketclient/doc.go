// Package socketclient provides a client library for the sockshell line
// protocol over Unix sockets, TCP and WebSocket endpoints.
//
// A response is everything the server sends until its prompt, so Execute
// returns the command output with the prompt removed.
//
// Basic Usage
//
//	client, err := socketclient.NewClient("/run/user/1000/sockshell.sock")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	banner, err := client.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(banner)
//
//	out, err := client.Execute(ctx, "sum 1 2 3")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(out) // 6
//
// # Connection Management
//
//	client.SetStateChangedCallback(func(state socketclient.ConnectionState, err error) {
//	    fmt.Printf("State changed: %v\n", state)
//	    if err != nil {
//	        fmt.Printf("Error: %v\n", err)
//	    }
//	})
//
// A server at its connection limit refuses with a single line; Connect then
// returns an error wrapping ErrRejected. After "exit", Execute returns the
// farewell together with an error wrapping io.EOF.
package socketclient
