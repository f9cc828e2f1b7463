/*
Package observability turns scheduler lifecycle hooks into metrics and logs.

Metrics are Prometheus collectors fed from domain.LifecycleHooks; several hook
sets (metrics, audit logging, custom callbacks) are combined with Chain.
*/
package observability
