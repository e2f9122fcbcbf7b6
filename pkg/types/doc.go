/*
Package types defines the shared vocabulary of the lock engine: lock
modes and their compatibility matrix, lock flags, client-visible error
codes, byte ranges, and the Lock Value Block.

These types carry no behavior beyond the mode arithmetic itself
(Compatible, Join, IsDowngrade) and are imported across this module:
lkb for the LKB's grmode/rqmode fields,
resource for RSB queues, engine for the state machine, and wire/client
for the values that cross the network or the API boundary.
*/
package types
