// Package endpoint defines the connection targets used by fanout and the
// transport primitives built on them.
//
// An Address names either a Unix domain socket path or a TCP host:port
// pair. Addresses are comparable values and are used directly as map keys.
//
// The package also provides:
//
//   - Listen, which binds an Address and reports ErrCodeAddressInUse when
//     another process already owns it
//   - Listener.Accept, an accept call that honours a context and an accept
//     timeout without closing the listener from another goroutine
//   - Dial, the client side counterpart
//   - WriteFrame and ReadFrame, the length-prefixed framing used on both
//     the control channel and the data channel
//
// Example usage:
//
//	addr, err := endpoint.ParseAddress("unix:/tmp/sub-1.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ln, err := endpoint.Listen(addr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ln.Close()
//
//	conn, err := ln.Accept(ctx, 5*time.Second)
package endpoint
