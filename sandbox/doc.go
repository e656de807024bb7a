// Package sandbox confines untrusted commands with Linux namespaces and
// cgroup v2 resource ceilings.
//
// A run goes through three pieces: Prepare builds an Environment (staging
// root, clone flags, uid/gid mappings) from a validated policy,
// Environment.AttachLimits creates the run's cgroup, and Launcher.Run
// starts the command inside the prepared environment and supervises it
// until a terminal state. The actual in-namespace setup (bind mounts,
// pivot_root, hostname, loopback) happens in a re-exec init child, so any
// binary embedding this package must call MaybeRunInit at the very top of
// main before other initialization.
//
// Kernel objects owned by an Environment are released exactly once via
// Release, which the broker invokes on every exit path.
package sandbox
