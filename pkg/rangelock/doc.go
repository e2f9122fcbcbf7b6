/*
Package rangelock implements the range-lock refinement of the mode
compatibility matrix (spec §4.3 point 3): two locks on the same
resource are compatible if either their modes are compatible per
pkg/types' matrix, or their granted ranges are disjoint.

Index keeps the granted/convert holders of one resource in a
github.com/google/btree ordered by range start, so a new request's
conflict scan can stop as soon as it passes the request's upper bound
instead of walking every holder — the same early-exit a naive slice
scan would need to hand-roll, gotten for free from the tree's ordering.
*/
package rangelock
