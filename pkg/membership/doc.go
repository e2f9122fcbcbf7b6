/*
Package membership supplies the cluster view the rest of the daemon
reacts to: who is currently a member, whether the cluster has quorum,
and the stop/start/finish event sequence spec §4.6 drives recovery
from.

Source is the plugin capability set named in spec §9, modeled after
magma-plugins/sm/sm.c's function-pointer table of cluster-service
operations (quorum, member_list, event_poll, open, close, login,
logout, fence, lock_resource, unlock_resource) as a Go interface
instead of a struct of function pointers. Two implementations are
provided:

  - Static: a fixed, test-controlled membership fed by explicit calls,
    for unit and integration tests that need deterministic stop/start/
    finish sequences without a real cluster manager.
  - Poll: a gulm-style implementation that treats "member" as "reachable",
    periodically dialing every configured peer with pkg/health's
    debounced TCP-connect checker, and translating composition changes
    into the stop/start/finish sequence.

LockResource/UnlockResource are sm.c's cluster-wide coordination lock
(used historically to serialize cluster-service operations like
fencing across nodes), not a DLM lock-space resource — pkg/engine and
pkg/resource own those.
*/
package membership
