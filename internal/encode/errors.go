package encode

import "fmt"

// FetchError means the source could not be copied out of object storage.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch source %s: %v", e.Key, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ProbeError means the source could not be inspected or is unusable.
type ProbeError struct {
	Err error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("probe source: %v", e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// EngineError is an encoder failure for one resolution.
type EngineError struct {
	Resolution string
	Err        error
}

func (e *EngineError) Error() string { return fmt.Sprintf("encode %s: %v", e.Resolution, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// ManifestError means the master playlist could not be written locally.
type ManifestError struct {
	Err error
}

func (e *ManifestError) Error() string { return fmt.Sprintf("write master manifest: %v", e.Err) }
func (e *ManifestError) Unwrap() error { return e.Err }

// UploadError means some or all outputs did not reach object storage.
type UploadError struct {
	Prefix   string
	Uploaded int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s (%d objects written): %v", e.Prefix, e.Uploaded, e.Err)
}
func (e *UploadError) Unwrap() error { return e.Err }
