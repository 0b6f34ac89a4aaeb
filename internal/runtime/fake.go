package runtime

import (
	"context"
	"sync"
)

// Fake is an in-memory Runtime for tests. It records every call and can be
// told to fail the next Provision.
type Fake struct {
	mu sync.Mutex

	Provisioned []ProvisionSpec
	Destroyed   []string
	Copies      []string
	Exports     []string

	// ProvisionErr, when set, is returned by the next Provision call and
	// then cleared.
	ProvisionErr error
}

// NewFake creates an empty fake runtime.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Provision(_ context.Context, spec ProvisionSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ProvisionErr; err != nil {
		f.ProvisionErr = nil
		return err
	}
	f.Provisioned = append(f.Provisioned, spec)
	return nil
}

func (f *Fake) Destroy(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed = append(f.Destroyed, sandboxID)
	return nil
}

func (f *Fake) CopyInto(_ context.Context, sandboxID, hostPath, containerPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Copies = append(f.Copies, sandboxID+":"+hostPath+"->"+containerPath)
	return nil
}

func (f *Fake) Export(_ context.Context, sandboxID, hostDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exports = append(f.Exports, sandboxID+"->"+hostDir)
	return nil
}

// ProvisionedCount returns how many Provision calls were recorded.
func (f *Fake) ProvisionedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Provisioned)
}

// ProvisionedSpec returns the i-th recorded ProvisionSpec.
func (f *Fake) ProvisionedSpec(i int) ProvisionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Provisioned[i]
}

// ExportedCount returns how many Export calls were recorded.
func (f *Fake) ExportedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Exports)
}

// DestroyedCount returns how many Destroy calls were recorded.
func (f *Fake) DestroyedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Destroyed)
}
