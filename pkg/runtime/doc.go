/*
Package runtime realizes launch specs as live children across four
isolation substrates behind one interface.

	┌──────────────── RUNTIME INTERFACE ─────────────────┐
	│                                                      │
	│  LaunchSpec ──► Runtime.Launch ──► Handle           │
	│                                                      │
	│  none       direct spawn, no isolation               │
	│  namespace  fresh PID + mount namespaces, private    │
	│             /proc via an init re-exec (Linux only;   │
	│             construction fails elsewhere)            │
	│  sandbox    external syscall-filtering runner fed an │
	│             OCI bundle generated from the spec; the  │
	│             host socket directory is bind-mounted    │
	│  microvm    firecracker-compatible monitor with a    │
	│             hybrid vsock wired to the host socket    │
	└──────────────────────────────────────────────────────┘

The hypervisor treats all variants uniformly: Launch returns a Handle
carrying the PID, the kind tag, and per-runtime artifacts; Stop sends
termination and hard-kills after the grace period; IsAlive reflects the
child's exit. The Handle's Done channel and ExitResult feed the restart
loop's on-failure decision.

MicroVM instances additionally require the "CONNECT <port>" → "OK"
handshake (VsockHandshake) before readiness and before every health
probe.
*/
package runtime
