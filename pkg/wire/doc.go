// Package wire defines the CBOR wire format of the OPC DA transport.
//
// Messages are CBOR maps with integer keys, carried in length-prefixed
// frames (see package transport).
//
// # Message Types
//
// There are three message types:
//   - Request: client to server (Connect, Browse, AddItems, Read, ...)
//   - Response: server to client, carrying a status code and payload
//   - Notification: server to client, asynchronous data changes and
//     shutdown notices
//
// A message ID of 0 marks a notification. Request IDs start at 1 and are
// echoed in the matching response.
//
// # Payloads
//
// Request and response payloads are kept as raw CBOR until the receiver
// knows the operation and decodes them into the typed payload structs of
// this package. Item values travel as untyped CBOR and are coerced to the
// item's canonical type on arrival.
package wire
