// Package resource owns resource identity, lifecycle and GPU memory
// budget for the renderer.
//
// Every resource is a Record keyed by uuid with a monotonic generation.
// State moves strictly forward:
//
//	Requested -> Loading -> {Uploaded | Failed} -> InUse -> Evicted
//
// never backward; a reload after eviction or failure starts a new
// generation. Scene references carry (id, generation) handles, so a stale
// handle can never resolve to data uploaded under a later generation — it
// resolves to the placeholder instead.
//
// Decoding runs on a bounded worker pool (semaphore-gated goroutines) and
// never touches GPU state. Decoded bytes reach the GPU only through
// UploadPending, which the compositor calls at a submission point, keeping
// uploads strictly serialized with frame submission. After each upload
// batch the manager evicts least-recently-used unreferenced, unpinned
// records until the byte budget is met.
//
// A decode or fetch failure is never fatal: the record turns Failed, a
// ResourceError event is emitted, and resolution of its handles yields the
// placeholder (a 1x1 opaque magenta texture, or the embedded fallback face
// for fonts), so draws referencing the resource proceed without blocking.
package resource
