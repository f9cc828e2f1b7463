/*
Package lease serializes writes to a single prospect.

Within one process a reference-counted mutex per key is used; across
processes an optional ports.DistributedLocker (e.g. Redis) is layered on top.
Locks are only held around short storage writes, never around delivery calls.
*/
package lease
