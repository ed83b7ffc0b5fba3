// Package ldso is the runtime-loading surface of the helios dynamic
// linker: dlopen, dlsym, dlclose, and dlerror over a process-wide loader
// context. The context itself lives in the loader package and is
// lock-free; this package serializes access at the API boundary so the
// surface stays safe once the program has started threads.
package ldso

import (
	"errors"
	"sync"

	"github.com/helios-os/ldso/loader"
)

// Handle is an opaque reference to a loaded object.
type Handle = loader.Handle

// GlobalHandle makes Dlsym search every loaded object in load order.
const GlobalHandle = loader.GlobalHandle

var (
	mu  sync.Mutex
	ctx = loader.NewContext()
)

// Dlopen loads the named shared object and its dependency closure,
// returning a stable handle. Binding is always eager; flags are accepted
// for source compatibility and ignored. An empty name (the "main program"
// convention) is not supported.
func Dlopen(name string, flags int) (Handle, error) {
	_ = flags
	if name == "" {
		return 0, errors.New("ldso: opening the main program by empty name is not supported")
	}
	mu.Lock()
	defer mu.Unlock()
	return ctx.Resolve(name)
}

// Dlsym resolves a symbol. GlobalHandle searches every loaded object in
// load order; any other handle searches only that object.
func Dlsym(handle Handle, symbol string) (uintptr, error) {
	mu.Lock()
	defer mu.Unlock()
	return ctx.Lookup(handle, symbol)
}

// Dlclose always succeeds. Loaded objects are retained for the remaining
// process lifetime: nothing is unmapped and no finalizers run.
func Dlclose(handle Handle) error {
	_ = handle
	return nil
}

// Dlerror reports the last error message. No error state is tracked;
// the result is always empty. Callers get their diagnostics from the
// error values returned by Dlopen and Dlsym.
func Dlerror() string {
	return ""
}
