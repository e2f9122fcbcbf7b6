/*
Package lockspace wires one named lock domain's collaborators together
(spec §3 Lockspace, §4.7 registry): a resource.Directory, an
idtable.Table of local LKBs, an engine.Engine, a directory.Directory,
a dispatch.Dispatcher, a membership.Source, and the recovery.Recovery
that drives them through stop/start/finish.

Registry mirrors a pkg/manager-style registration map (a name-keyed
store guarded by a single RWMutex, looked up far more often than it is
mutated) generalized to the two lookup paths spec §4.7 names
explicitly: find_by_name and find_by_local_id.
*/
package lockspace
