/*
Package types defines the shared data model for Tenement.

A Service is a static template (command, environment, isolation, limits,
restart policy) describing how to launch instances. An Instance is a single
running realization of a service, identified by "service:label". The label
is opaque to the core.

The hypervisor owns the mutable instance records; everything else consumes
InstanceView snapshots. LogRecord and TokenRecord are the two persisted
shapes, shared between the log plane, the store, and the control API.

All enumerations are string-typed so they serialize cleanly in the JSON
control API and in logs.
*/
package types
