// Package interaction carries the DA session operations over the wire
// protocol.
//
// # Server Usage
//
// A Server accepts TCP connections and serves one server.Session per
// connection:
//
//	srv := interaction.NewServer(interaction.ServerConfig{
//	    Address:  ":4855",
//	    Registry: registry,
//	})
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// Data changes and shutdown notices of the session are pushed to the
// client as notifications.
//
// # Client Usage
//
// The Client implements da.Backend and da.Dialer, so the client API in
// package da works unchanged against a remote server:
//
//	srv := da.NewServer(interaction.NewClient(interaction.ClientConfig{}))
//	err := srv.Connect(ctx, "Matrikon.OPC.Simulation.1", "plant-host")
//
// Responses are correlated by message ID. A request that gets no answer
// within the configured timeout fails with status.CodeTimeout; a dropped
// connection fails all pending requests with status.CodeConnectionLost.
//
// Notifications are delivered in arrival order on a dedicated goroutine, so
// an observer may issue further requests from its callback.
package interaction
