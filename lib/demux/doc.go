// Package demux accepts physical connections, reads the framing preamble
// on each and routes the connection to the handler serving its endpoint.
//
// Every accepted connection moves through
//
//	Accepted -> PreambleReading -> Dispatched | Rejected | TimedOut
//
// and ends either closed or handed back with Reuse to wait for another
// preamble. Failures before dispatch are reported through Handlers.OnError
// and close only the connection concerned; the accept loops keep running.
//
// # Backpressure
//
// MaxPendingConnections bounds connections accepted but not yet
// dispatched. A connection arriving over the bound is closed at once
// without reaching any handler. MaxPooledConnections bounds connections
// waiting for their next preamble after Reuse.
//
// # Basic Usage
//
//	ln, _ := net.Listen("tcp", ":8808")
//	d, err := demux.New(ln, demux.DefaultConfig(), demux.Handlers{
//	    ResolveSettings: resolve,
//	    HandleSingleton: serveMessage,
//	    HandleSession:   serveSession,
//	})
//	if err != nil {
//	    return err
//	}
//	defer d.Close()
//	return d.Start()
package demux
