// Package statefun hosts stateful functions in-process.
//
// A function type is registered with a StatefulFunctionSpec. Every function
// instance is identified by an Address, the pair of its function type and
// a string id. The Runtime activates an instance the first time a message
// reaches its Address and keeps it in memory afterwards:
//
// - Values registered through ValueSpec's are held per instance and are
// reachable through the Context's AddressScopedStorage.
//
// - Invocations of a single instance are serialized on the instance's own
// goroutine.
//
// - Messages scheduled with Context.SendAfter wait in a bounded timer queue
// owned by the instance. They are dropped when the instance is evicted.
//
// - Storage writes, delayed messages and work started with Context.Go take
// effect together once the invocation returns without error. Context.Go work
// runs beside the instance goroutine and is cancelled on eviction.
package statefun
