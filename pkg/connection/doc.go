// Package connection provides retry support for establishing sessions
// with DA servers.
//
// # Backoff
//
// Failed connection attempts are retried with exponential backoff:
//
//  1. Initial delay: 250 milliseconds
//  2. Each further delay doubles the previous one
//  3. Maximum delay: 10 seconds
//  4. Reset to the initial delay after a successful attempt
//
// # Jitter
//
// To keep many clients from retrying in lockstep after a server restart:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Retry
//
// Retry drives an AttemptFunc with a Backoff until it succeeds, the attempt
// budget is used up, or the context ends. Errors wrapped with Permanent stop
// the loop at once.
package connection
