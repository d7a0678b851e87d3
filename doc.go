// Trace and interpose Go function calls at runtime
//
// calltrace redirects callable symbols through generated trampolines that
// record entry, exit, elapsed time and call depth while still invoking the
// wrapped function. Symbols come from images: the main program plus any image
// a loader hands to [Images.Load]. An image exposes two kinds of slot:
//
//   - call-table entries, which are Go function variables registered with
//     [Image.Import]. These are swapped atomically and are the target of
//     [Engine.RebindSymbols] (process-wide interposition). Code that calls
//     an entry while it may be patched reads it with [Entry], for example
//     Entry(&fetch)(url).
//   - implementation slots, which are function bodies registered with
//     [Image.Func] or [Image.Method]. These are patched in place with a jump
//     at the function's entry point.
//
// Every patch is recorded so it can be undone most-recent-first or
// individually.
//
// Limitations of implementation slots:
//   - Only supports amd64 and arm64 (arm64 requires cgo)
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to patch inlined functions
//   - The original is called through a relocated copy that the runtime cannot
//     unwind. Keep traced function bodies shallow.
//   - Probably some bugs I don't know about.
package calltrace
