/*
Package dispatch is the remote side of lock operations: encoding a
local request into a wire.Message, sending it to a resource's master
over a transport.Channel, correlating the eventual reply back to the
waiting caller, and — on the master — applying an inbound request to
a master-copy LKB (FlagMasterCopy) via pkg/engine and replying.

There is no direct analogue for this correlation table in the
retrieved original sources (message.c covers only the wire format,
not a request/reply map); it follows the same
register-before-send/deliver-by-key pattern the rest of the corpus
uses for any asynchronous completion, generalized to this lock
request's sender_lkid/remote_lkid roundtrip (spec §4.4 "directory and
mastering").

Per spec §4.5 a transport.Channel already serializes Send, so message
order to a given peer is preserved end to end; dispatch itself only
needs to keep a reply from resolving more than one waiter.
*/
package dispatch
