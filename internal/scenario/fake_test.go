package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahrdadan/pagecheck/internal/artifact"
)

// fakeDriver records every call as a line and fails the calls listed in failOn.
type fakeDriver struct {
	calls  []string
	failOn map[string]error
	png    []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{failOn: map[string]error{}, png: []byte("png-bytes")}
}

func (f *fakeDriver) record(call string) error {
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeDriver) Navigate(_ context.Context, target string) error {
	return f.record("navigate " + target)
}

func (f *fakeDriver) Settle(_ context.Context, d time.Duration) error {
	return f.record(fmt.Sprintf("settle %v", d))
}

func (f *fakeDriver) Click(_ context.Context, selector string) error {
	return f.record("click " + selector)
}

func (f *fakeDriver) Fill(_ context.Context, selector, value string) error {
	return f.record("fill " + selector + " " + value)
}

func (f *fakeDriver) SetChecked(_ context.Context, selector string, checked bool) error {
	return f.record(fmt.Sprintf("checked %s %v", selector, checked))
}

func (f *fakeDriver) Press(_ context.Context, selector, key string) error {
	return f.record("press " + selector + " " + key)
}

func (f *fakeDriver) AssertVisible(_ context.Context, selectors ...string) error {
	return f.record("assert " + strings.Join(selectors, ","))
}

func (f *fakeDriver) WaitVisible(_ context.Context, selector string, timeout time.Duration) error {
	return f.record(fmt.Sprintf("wait_visible %s %v", selector, timeout))
}

func (f *fakeDriver) WaitFor(_ context.Context, predicate string, timeout time.Duration) error {
	return f.record(fmt.Sprintf("wait_for %s %v", predicate, timeout))
}

func (f *fakeDriver) Capture(context.Context) ([]byte, error) {
	return f.png, f.record("capture")
}

// memWriter keeps artifacts in memory.
type memWriter struct {
	files map[string][]byte
	err   error
}

func newMemWriter() *memWriter {
	return &memWriter{files: map[string][]byte{}}
}

func (m *memWriter) Write(path string, data []byte) (artifact.Info, error) {
	if m.err != nil {
		return artifact.Info{}, m.err
	}
	m.files[path] = data
	return artifact.Info{Path: path, Bytes: int64(len(data))}, nil
}
